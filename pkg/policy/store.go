package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/twinops/twinops/pkg/canonical"
	"github.com/twinops/twinops/pkg/twinerr"
)

// Source fetches the signed policy envelope from wherever it lives,
// normally the CovenantTwin submodel element read through the shadow.
type Source interface {
	FetchPolicy(ctx context.Context) (*SignedEnvelope, error)
}

// Clock is injectable time, matching the audit package.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// StoreOptions configure the policy store.
type StoreOptions struct {
	// CacheTTL bounds how long a verified policy is served without refetch.
	CacheTTL time.Duration
	// MaxAge, when > 0, is the hard staleness bound: a cached policy older
	// than this is never served, even if refresh fails.
	MaxAge time.Duration
	Clock  Clock
	Logger *slog.Logger
}

// Store serves the current verified policy, fail-closed.
//
// Invariant: Current never returns a Document whose signature did not
// verify, and never one older than MaxAge. Verification failure discards
// the previous policy; there is no fallback to the last good version.
type Store struct {
	source   Source
	verifier Verifier
	pubKey   ed25519.PublicKey
	cacheTTL time.Duration
	maxAge   time.Duration
	clock    Clock
	log      *slog.Logger

	mu          sync.Mutex
	cached      *Document
	cachedAt    time.Time
	fetchedAt   time.Time
	payloadHash string
}

// NewStore builds a Store. pub is the trusted policy-signing key supplied
// at startup.
func NewStore(source Source, verifier Verifier, pub ed25519.PublicKey, opts StoreOptions) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		source:   source,
		verifier: verifier,
		pubKey:   pub,
		cacheTTL: opts.CacheTTL,
		maxAge:   opts.MaxAge,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// Current returns the verified policy, refreshing the cache as needed.
// Callers receive a copy; the cached document is never shared.
func (s *Store) Current(ctx context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.cached != nil {
		age := now.Sub(s.cachedAt)
		if s.maxAge > 0 && age > s.maxAge {
			// Hard bound exceeded: the cache is unusable regardless of
			// whether a refresh succeeds below.
			s.log.Warn("policy exceeded max age, forcing refresh",
				"age", age.Round(time.Second), "max_age", s.maxAge)
			if err := s.refreshLocked(ctx); err != nil {
				return nil, twinerr.Wrap(twinerr.CodePolicyStale, err,
					"policy is older than %s and refresh failed", s.maxAge)
			}
			return s.cached.Clone(), nil
		}
		if age < s.cacheTTL {
			return s.cached.Clone(), nil
		}
	}

	if err := s.refreshLocked(ctx); err != nil {
		if s.cached != nil && (s.maxAge == 0 || now.Sub(s.cachedAt) <= s.maxAge) {
			// Soft TTL expired but the policy is still within its hard
			// bound: serve it rather than deny on a transient fetch error.
			s.log.Warn("policy refresh failed, serving cached policy", "error", err)
			return s.cached.Clone(), nil
		}
		return nil, err
	}
	return s.cached.Clone(), nil
}

// Hash returns the canonical hash of the currently cached payload, for
// audit correlation. Empty when no policy is loaded.
func (s *Store) Hash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadHash
}

// Invalidate drops the cache; the next Current refetches.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.payloadHash = ""
}

func (s *Store) refreshLocked(ctx context.Context) error {
	env, err := s.source.FetchPolicy(ctx)
	if err != nil {
		return twinerr.Wrap(twinerr.CodePolicyUnverified, err, "policy fetch failed")
	}
	if env == nil || len(env.Payload) == 0 {
		s.discardLocked()
		return twinerr.New(twinerr.CodePolicyUnverified, "no policy published")
	}

	sig, err := base64.StdEncoding.DecodeString(env.SignatureB64)
	if err != nil {
		s.discardLocked()
		return twinerr.Wrap(twinerr.CodePolicyUnverified, err, "policy signature is not base64")
	}

	// The signature covers the canonical JSON of the payload, so producers
	// are free to pretty-print the stored element.
	msg, err := canonical.JCS(env.Payload)
	if err != nil {
		s.discardLocked()
		return twinerr.Wrap(twinerr.CodePolicyUnverified, err, "policy payload canonicalization failed")
	}
	if !s.verifier.Verify(msg, sig, s.pubKey) {
		s.discardLocked()
		s.log.Error("policy signature verification failed", "key_id", env.KeyID)
		return twinerr.New(twinerr.CodePolicyUnverified, "policy signature verification failed")
	}

	doc, err := ParseDocument(env.Payload)
	if err != nil {
		s.discardLocked()
		return twinerr.Wrap(twinerr.CodePolicyUnverified, err, "verified policy failed to parse")
	}

	s.cached = doc
	s.cachedAt = s.clock.Now()
	s.fetchedAt = s.cachedAt
	s.payloadHash = canonical.HashBytes(msg)
	s.log.Info("policy loaded",
		"hash", s.payloadHash,
		"interlocks", len(doc.Interlocks),
		"roles", len(doc.RoleBindings),
		"key_id", env.KeyID)
	return nil
}

func (s *Store) discardLocked() {
	s.cached = nil
	s.payloadHash = ""
}
