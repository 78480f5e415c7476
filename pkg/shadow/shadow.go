// Package shadow maintains the live in-memory projection of submodel
// values the Safety Kernel evaluates interlocks against. It is seeded from
// an HTTP snapshot and patched by MQTT deliveries; interlock evaluation
// reads through a View that freezes the state for one kernel decision.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/twinerr"
)

// Source tags where a value came from.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceMQTT     Source = "mqtt"
)

// Value is a point-in-time read of one submodel path.
type Value struct {
	Value       any
	LastUpdated uint64 // monotonic local stamp, not wall time
	Source      Source
}

type record struct {
	value       any
	lastUpdated uint64
	brokerTS    float64 // embedded broker timestamp when the payload carried one
	source      Source
}

// Snapshotter fetches the full submodel state over HTTP; implemented by
// the twin client.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]map[string]any, error)
}

// Update is one normalized state change, from MQTT or elsewhere.
type Update struct {
	Submodel string
	Path     string
	Value    any
	// BrokerTS is the broker-assigned timestamp embedded in the payload,
	// 0 when absent. Used only to drop out-of-order deliveries.
	BrokerTS float64
}

// Twin is the shadow state. Entries are created by seeding or updates and
// never deleted; a reseed replaces the whole map atomically.
type Twin struct {
	mu    sync.RWMutex
	state map[string]map[string]record
	stamp atomic.Uint64

	snap Snapshotter
	log  *slog.Logger

	lastSeed   atomic.Int64 // unix nanos of last successful seed
	eventCount atomic.Uint64
}

// New creates an empty Twin.
func New(snap Snapshotter, logger *slog.Logger) *Twin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Twin{
		state: make(map[string]map[string]record),
		snap:  snap,
		log:   logger,
	}
}

// Seed replaces the shadow state with a fresh HTTP snapshot. Called at
// startup and after MQTT reconnects, when deliveries may have been missed.
func (t *Twin) Seed(ctx context.Context) error {
	if t.snap == nil {
		return fmt.Errorf("shadow: no snapshotter configured")
	}
	snapshot, err := t.snap.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("shadow: snapshot failed: %w", err)
	}

	next := make(map[string]map[string]record, len(snapshot))
	for sm, paths := range snapshot {
		next[sm] = make(map[string]record, len(paths))
		for p, v := range paths {
			next[sm][p] = record{
				value:       v,
				lastUpdated: t.stamp.Add(1),
				source:      SourceSnapshot,
			}
		}
	}

	t.mu.Lock()
	t.state = next
	t.mu.Unlock()
	t.lastSeed.Store(time.Now().UnixNano())

	t.log.Info("shadow seeded", "submodels", len(next))
	return nil
}

// Apply records one update. An update carrying a broker timestamp older
// than the one already recorded for the path is dropped as out of order.
func (t *Twin) Apply(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths, ok := t.state[u.Submodel]
	if !ok {
		paths = make(map[string]record)
		t.state[u.Submodel] = paths
	}
	if prev, ok := paths[u.Path]; ok && prev.brokerTS > 0 && u.BrokerTS > 0 && u.BrokerTS < prev.brokerTS {
		t.log.Debug("shadow dropped out-of-order update",
			"submodel", u.Submodel, "path", u.Path,
			"ts", u.BrokerTS, "have", prev.brokerTS)
		return
	}
	paths[u.Path] = record{
		value:       u.Value,
		lastUpdated: t.stamp.Add(1),
		brokerTS:    u.BrokerTS,
		source:      SourceMQTT,
	}
	t.eventCount.Add(1)
}

// Get returns the current value of one path.
func (t *Twin) Get(submodel, path string) (Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(submodel, path)
}

func (t *Twin) getLocked(submodel, path string) (Value, bool) {
	paths, ok := t.state[submodel]
	if !ok {
		return Value{}, false
	}
	rec, ok := paths[path]
	if !ok {
		return Value{}, false
	}
	return Value{Value: rec.value, LastUpdated: rec.lastUpdated, Source: rec.source}, true
}

// View freezes the state for the duration of one kernel decision: the read
// lock is held until Close, so no update can split the view across the
// paths an interlock sequence reads.
func (t *Twin) View() *ReadView {
	t.mu.RLock()
	return &ReadView{twin: t}
}

// ReadView is a consistent read handle. Must be Closed; holding it blocks
// writers, so keep decisions short and never do I/O under a view.
type ReadView struct {
	twin *Twin
	once sync.Once
}

// Get reads one path from the frozen state.
func (v *ReadView) Get(submodel, path string) (Value, bool) {
	return v.twin.getLocked(submodel, path)
}

// Close releases the view.
func (v *ReadView) Close() {
	v.once.Do(v.twin.mu.RUnlock)
}

// Freshness returns the time since the last successful seed, or a very
// large duration when never seeded.
func (t *Twin) Freshness() time.Duration {
	ns := t.lastSeed.Load()
	if ns == 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(time.Unix(0, ns))
}

// EventCount reports how many updates have been applied. Observability only.
func (t *Twin) EventCount() uint64 { return t.eventCount.Load() }

// PolicySource adapts the shadow into the policy store's Source: the
// CovenantTwin envelope is carried as the value of one submodel element,
// either as a JSON string or an already-decoded object.
type PolicySource struct {
	Twin     *Twin
	Submodel string
	Path     string
}

// FetchPolicy extracts the signed policy envelope from shadow state.
func (p PolicySource) FetchPolicy(ctx context.Context) (*policy.SignedEnvelope, error) {
	v, ok := p.Twin.Get(p.Submodel, p.Path)
	if !ok {
		return nil, twinerr.New(twinerr.CodeNotFound,
			"policy element %s/%s not present in shadow", p.Submodel, p.Path)
	}

	var raw []byte
	switch val := v.Value.(type) {
	case string:
		raw = []byte(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, twinerr.Wrap(twinerr.CodeInvalidJSON, err, "policy element is not JSON-encodable")
		}
		raw = b
	}

	var env policy.SignedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, twinerr.Wrap(twinerr.CodeInvalidJSON, err, "policy element is not a signed envelope")
	}
	return &env, nil
}
