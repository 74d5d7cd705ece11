package token

import (
	"testing"
	"time"

	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	tokens      map[string][]byte
	revocations map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string][]byte), revocations: make(map[string][]byte)}
}

func (s *memStore) PutToken(id string, data []byte) error { s.tokens[id] = data; return nil }
func (s *memStore) GetToken(id string) ([]byte, error) {
	v, ok := s.tokens[id]
	if !ok {
		return nil, assertNotFound
	}
	return v, nil
}
func (s *memStore) ListTokens() ([][]byte, error) {
	out := make([][]byte, 0, len(s.tokens))
	for _, v := range s.tokens {
		out = append(out, v)
	}
	return out, nil
}
func (s *memStore) PutRevocation(id string, data []byte) error {
	s.revocations[id] = data
	return nil
}
func (s *memStore) GetRevocation(id string) ([]byte, error) {
	v, ok := s.revocations[id]
	if !ok {
		return nil, assertNotFound
	}
	return v, nil
}

var assertNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func TestIssueAndVerify(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	m := NewManager("issuer-1", []byte("secret-key-material"), newMemStore(), clk)

	tok, err := m.Issue("agent-1", "fs:read", "/workspace/**", time.Hour)
	require.NoError(t, err)
	assert.NoError(t, m.Verify(*tok))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	m := NewManager("issuer-1", []byte("secret-key-material"), newMemStore(), clk)

	tok, err := m.Issue("agent-1", "fs:read", "/workspace/**", time.Hour)
	require.NoError(t, err)

	tampered := *tok
	tampered.Scope = "/etc/**"
	assert.Error(t, m.Verify(tampered))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	m := NewManager("issuer-1", []byte("secret-key-material"), newMemStore(), clk)

	tok, err := m.Issue("agent-1", "fs:read", "/workspace/**", time.Second)
	require.NoError(t, err)

	clk.At = clk.At.Add(2 * time.Hour)
	assert.Error(t, m.Verify(*tok))
}

func TestRevocationIsMonotonic(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	m := NewManager("issuer-1", []byte("secret-key-material"), newMemStore(), clk)

	tok, err := m.Issue("agent-1", "fs:read", "/workspace/**", time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Verify(*tok))

	require.NoError(t, m.Revoke(tok.TokenID, "compromised"))
	assert.Error(t, m.Verify(*tok))
	assert.True(t, m.IsRevoked(tok.TokenID))
}

func TestVerifyRejectsIssuerMismatch(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	issuerA := NewManager("issuer-a", []byte("secret-key-material"), newMemStore(), clk)
	issuerB := NewManager("issuer-b", []byte("secret-key-material"), newMemStore(), clk)

	tok, err := issuerA.Issue("agent-1", "fs:read", "/workspace/**", time.Hour)
	require.NoError(t, err)

	assert.Error(t, issuerB.Verify(*tok))
}
