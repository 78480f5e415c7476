// Package capability ranks the tool catalog against a free-text request
// so the selector only sees the most relevant operations. Plain TF-IDF
// with cosine similarity; the catalog is small and rebuilt on startup.
package capability

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/twinops/twinops/pkg/schema"
)

// Hit is one ranked tool.
type Hit struct {
	Spec  schema.ToolSpec
	Score float64
}

// Index is immutable after construction and safe for concurrent reads.
type Index struct {
	tools  []schema.ToolSpec
	byName map[string]int
	idf    map[string]float64
	vecs   []map[string]float64
}

// NewIndex builds the TF-IDF vectors over each tool's name and
// description.
func NewIndex(tools []schema.ToolSpec) *Index {
	idx := &Index{
		tools:  append([]schema.ToolSpec(nil), tools...),
		byName: make(map[string]int, len(tools)),
		idf:    make(map[string]float64),
		vecs:   make([]map[string]float64, len(tools)),
	}

	df := make(map[string]int)
	docs := make([][]string, len(tools))
	for i, t := range idx.tools {
		idx.byName[t.Name] = i
		terms := tokenize(t.Name + " " + t.Description)
		docs[i] = terms
		seen := make(map[string]bool, len(terms))
		for _, term := range terms {
			if !seen[term] {
				seen[term] = true
				df[term]++
			}
		}
	}

	n := float64(len(tools))
	for term, count := range df {
		idx.idf[term] = math.Log((1+n)/(1+float64(count))) + 1
	}

	for i, terms := range docs {
		idx.vecs[i] = idx.vectorize(terms)
	}
	return idx
}

// Search returns up to topK tools ranked by similarity to the query.
// Tools with zero overlap are omitted.
func (idx *Index) Search(query string, topK int) []Hit {
	if topK <= 0 || len(idx.tools) == 0 {
		return nil
	}
	qv := idx.vectorize(tokenize(query))
	hits := make([]Hit, 0, len(idx.tools))
	for i := range idx.tools {
		if score := cosine(qv, idx.vecs[i]); score > 0 {
			hits = append(hits, Hit{Spec: idx.tools[i], Score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// ByName resolves a tool by exact name. Implements kernel.Catalog.
func (idx *Index) ByName(name string) (*schema.ToolSpec, bool) {
	i, ok := idx.byName[name]
	if !ok {
		return nil, false
	}
	spec := idx.tools[i]
	return &spec, true
}

// All returns the full catalog.
func (idx *Index) All() []schema.ToolSpec {
	return append([]schema.ToolSpec(nil), idx.tools...)
}

func (idx *Index) vectorize(terms []string) map[string]float64 {
	if len(terms) == 0 {
		return nil
	}
	tf := make(map[string]float64)
	for _, t := range terms {
		tf[t]++
	}
	vec := make(map[string]float64, len(tf))
	var norm float64
	for term, count := range tf {
		idf, ok := idx.idf[term]
		if !ok {
			continue
		}
		w := (count / float64(len(terms))) * idf
		vec[term] = w
		norm += w * w
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for term := range vec {
		vec[term] /= norm
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, wa := range a {
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	return dot
}

// tokenize lowercases, splits camelCase identifiers, and drops
// punctuation, so "SetSpeed" matches "set the speed".
func tokenize(s string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(r)
		case unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return words
}
