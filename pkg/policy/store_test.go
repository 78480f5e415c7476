package policy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/pkg/canonical"
	"github.com/twinops/twinops/pkg/twinerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeSource struct {
	env    *SignedEnvelope
	err    error
	fetches int
}

func (f *fakeSource) FetchPolicy(ctx context.Context) (*SignedEnvelope, error) {
	f.fetches++
	return f.env, f.err
}

func signEnvelope(t *testing.T, priv ed25519.PrivateKey, payload map[string]any) *SignedEnvelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := canonical.JCS(json.RawMessage(raw))
	require.NoError(t, err)
	sig := ed25519.Sign(priv, msg)
	return &SignedEnvelope{
		Payload:      raw,
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		KeyID:        "test-key",
	}
}

func testPolicyPayload() map[string]any {
	return map[string]any{
		"require_simulation_for_risk": "HIGH",
		"require_approval_for_risk":   "CRITICAL",
		"role_bindings": map[string]any{
			"operator":   map[string]any{"allow": []string{"StartPump", "StopPump", "GetStatus"}},
			"supervisor": map[string]any{"allow": []string{"*"}},
		},
		"interlocks": []any{
			map[string]any{
				"id": "temp-high",
				"deny_when": map[string]any{
					"submodel": "urn:sm:telemetry", "path": "CurrentTemperature",
					"op": ">", "value": 95,
				},
				"message": "temperature above safe limit",
			},
		},
		"operation_risk": map[string]any{"EmergencyStop": "CRITICAL"},
	}
}

func TestStore_VerifiesAndCaches(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Now()}
	src := &fakeSource{env: signEnvelope(t, priv, testPolicyPayload())}

	s := NewStore(src, Ed25519Verifier{}, pub, StoreOptions{CacheTTL: time.Minute, Clock: clock})

	doc, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, doc.RequireSimulationForRisk)
	assert.Len(t, doc.Interlocks, 1)
	assert.Equal(t, RiskCritical, doc.OperationRisk["EmergencyStop"])

	// Second read within TTL hits the cache.
	_, err = s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetches)

	clock.Advance(2 * time.Minute)
	_, err = s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.fetches)
}

func TestStore_BadSignatureFailsClosed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	src := &fakeSource{env: signEnvelope(t, wrongPriv, testPolicyPayload())}
	s := NewStore(src, Ed25519Verifier{}, pub, StoreOptions{})

	_, err = s.Current(context.Background())
	require.Error(t, err)
	assert.True(t, twinerr.Is(err, twinerr.CodePolicyUnverified))

	// A good policy loads; when the publisher rotates to a bad signature
	// the previously verified policy must be discarded, not served.
	clock := &fakeClock{t: time.Now()}
	src2 := &fakeSource{env: signEnvelope(t, priv, testPolicyPayload())}
	s2 := NewStore(src2, Ed25519Verifier{}, pub, StoreOptions{CacheTTL: time.Second, Clock: clock})
	_, err = s2.Current(context.Background())
	require.NoError(t, err)

	src2.env = signEnvelope(t, wrongPriv, testPolicyPayload())
	clock.Advance(2 * time.Second)
	_, err = s2.Current(context.Background())
	require.Error(t, err)
	assert.True(t, twinerr.Is(err, twinerr.CodePolicyUnverified))

	// And it stays failed on the next read too.
	_, err = s2.Current(context.Background())
	assert.True(t, twinerr.Is(err, twinerr.CodePolicyUnverified))
}

func TestStore_TamperedPayloadRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	env := signEnvelope(t, priv, testPolicyPayload())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	payload["require_approval_for_risk"] = "LOW"
	tampered, err := json.Marshal(payload)
	require.NoError(t, err)
	env.Payload = tampered

	s := NewStore(&fakeSource{env: env}, Ed25519Verifier{}, pub, StoreOptions{})
	_, err = s.Current(context.Background())
	assert.True(t, twinerr.Is(err, twinerr.CodePolicyUnverified))
}

func TestStore_MaxAgeStale(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Now()}
	src := &fakeSource{env: signEnvelope(t, priv, testPolicyPayload())}

	s := NewStore(src, Ed25519Verifier{}, pub, StoreOptions{
		CacheTTL: time.Minute,
		MaxAge:   10 * time.Minute,
		Clock:    clock,
	})
	_, err = s.Current(context.Background())
	require.NoError(t, err)

	// Past max age with the source unreachable: policy_stale.
	clock.Advance(11 * time.Minute)
	src.env = nil
	src.err = assert.AnError
	_, err = s.Current(context.Background())
	require.Error(t, err)
	assert.True(t, twinerr.Is(err, twinerr.CodePolicyStale))
}

func TestStore_TransientFetchErrorServesCachedWithinMaxAge(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Now()}
	src := &fakeSource{env: signEnvelope(t, priv, testPolicyPayload())}

	s := NewStore(src, Ed25519Verifier{}, pub, StoreOptions{
		CacheTTL: time.Minute,
		MaxAge:   time.Hour,
		Clock:    clock,
	})
	_, err = s.Current(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute) // TTL expired, max age not
	src.err = assert.AnError
	doc, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, doc)
}

func TestParseDocument_Validation(t *testing.T) {
	_, err := ParseDocument([]byte(`{"require_simulation_for_risk":"EXTREME"}`))
	assert.Error(t, err)

	_, err = ParseDocument([]byte(`{"interlocks":[{"id":"x","deny_when":{"submodel":"s","path":"p","op":"~"}}]}`))
	assert.Error(t, err)

	d, err := ParseDocument([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, d.RequireSimulationForRisk)
	assert.Equal(t, RiskCritical, d.RequireApprovalForRisk)
}

func TestDocument_ApproverAllowed(t *testing.T) {
	d := &Document{
		RoleBindings: map[string]Binding{
			"supervisor": {Allow: []string{"*"}},
			"operator":   {Allow: []string{"StartPump"}},
		},
	}
	assert.True(t, d.ApproverAllowed([]string{"supervisor"}))
	assert.False(t, d.ApproverAllowed([]string{"operator"}))

	d.ApproverRoles = []string{"safety-officer"}
	assert.False(t, d.ApproverAllowed([]string{"supervisor"}))
	assert.True(t, d.ApproverAllowed([]string{"safety-officer"}))
}
