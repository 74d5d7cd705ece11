// Package token implements the Capability Token lifecycle: issuance
// with an HMAC signature over the token's canonical form, pure
// verification, and a monotonic revocation list. It keeps the
// teacher's TokenManager shape (map of live tokens guarded by a
// mutex, a RevokeToken that is permanent) but replaces the random
// join-token string with a signed, capability-scoped structure and
// persists through storage.Store instead of staying purely in
// memory.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/errs"
)

// Token is the immutable capability token described by the data
// model: signature is HMAC-SHA256 over the canonicalization of every
// other field.
type Token struct {
	TokenID         string `json:"token_id"`
	AgentID         string `json:"agent_id"`
	Capability      string `json:"capability"`
	Scope           string `json:"scope"`
	IssuedAt        int64  `json:"issued_at"`
	ExpiresAt       int64  `json:"expires_at"`
	IssuerID        string `json:"issuer_id"`
	ProtocolVersion string `json:"protocol_version"`
	Signature       string `json:"signature"`
}

func (t Token) signingBody() map[string]any {
	return map[string]any{
		"token_id":         t.TokenID,
		"agent_id":         t.AgentID,
		"capability":       t.Capability,
		"scope":            t.Scope,
		"issued_at":        t.IssuedAt,
		"expires_at":       t.ExpiresAt,
		"issuer_id":        t.IssuerID,
		"protocol_version": t.ProtocolVersion,
	}
}

// deriveTokenID computes token_id as the first 16 hex chars of
// SHA256(agent_id, capability, issued_at), per the fabric's
// identifier convention.
func deriveTokenID(agentID, capability string, issuedAt int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", agentID, capability, issuedAt)))
	return hex.EncodeToString(sum[:])[:16]
}

// RevocationEntry records why and when a token was revoked.
type RevocationEntry struct {
	TokenID   string `json:"token_id"`
	Reason    string `json:"reason"`
	RevokedAt int64  `json:"revoked_at"`
}

// Store is the subset of storage.Store the Manager needs, kept
// narrow so tests can fake it without pulling in bbolt.
type Store interface {
	PutToken(id string, data []byte) error
	GetToken(id string) ([]byte, error)
	ListTokens() ([][]byte, error)
	PutRevocation(tokenID string, data []byte) error
	GetRevocation(tokenID string) ([]byte, error)
}

// Manager issues and verifies Capability Tokens. It holds the HMAC
// signing secret — in production this is supplied by the host
// environment via pkg/config, never compiled in.
type Manager struct {
	issuerID  string
	secretKey []byte
	store     Store
	clock     clock.Clock

	mu        sync.RWMutex
	revoked   map[string]RevocationEntry
}

// NewManager builds a token Manager. secretKey is the HMAC signing
// key; store persists issued tokens and revocations; clk supplies
// wall-clock reads so tests can use a Fixed clock.
func NewManager(issuerID string, secretKey []byte, store Store, clk clock.Clock) *Manager {
	return &Manager{
		issuerID:  issuerID,
		secretKey: secretKey,
		store:     store,
		clock:     clk,
		revoked:   make(map[string]RevocationEntry),
	}
}

// Issue mints a Token for agentID covering capability within scope,
// valid for ttl from now.
func (m *Manager) Issue(agentID, capability, scope string, ttl time.Duration) (*Token, error) {
	now := m.clock.Now().Unix()
	tok := Token{
		TokenID:         deriveTokenID(agentID, capability, now),
		AgentID:         agentID,
		Capability:      capability,
		Scope:           scope,
		IssuedAt:        now,
		ExpiresAt:       now + int64(ttl.Seconds()),
		IssuerID:        m.issuerID,
		ProtocolVersion: "1.0",
	}
	tok.Signature = canon.HMACSign(m.secretKey, tok.signingBody())

	data := canon.Bytes(tokenJSON(tok))
	if err := m.store.PutToken(tok.TokenID, data); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return &tok, nil
}

// Verify is pure: it checks issuer match, expiry, signature (via
// constant-time comparison), and consults the revocation list.
// Verification failures are explicit denials, never retried.
func (m *Manager) Verify(tok Token) error {
	if tok.IssuerID != m.issuerID {
		return errs.Capability("token issuer mismatch: %s", tok.IssuerID)
	}

	expected := canon.HMACSign(m.secretKey, tok.signingBody())
	if !canon.ConstantTimeEqual(expected, tok.Signature) {
		return errs.Capability("token signature mismatch: %s", tok.TokenID)
	}

	if m.clock.Now().Unix() >= tok.ExpiresAt {
		return errs.Capability("token expired: %s", tok.TokenID)
	}

	if m.IsRevoked(tok.TokenID) {
		return errs.Capability("token revoked: %s", tok.TokenID)
	}

	return nil
}

// Revoke marks tokenID revoked for reason. Revocation is monotonic:
// once revoked, a token stays revoked for the lifetime of the store.
func (m *Manager) Revoke(tokenID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := RevocationEntry{TokenID: tokenID, Reason: reason, RevokedAt: m.clock.Now().Unix()}
	data := canon.Bytes(map[string]any{
		"token_id":   entry.TokenID,
		"reason":     entry.Reason,
		"revoked_at": entry.RevokedAt,
	})
	if err := m.store.PutRevocation(tokenID, data); err != nil {
		return fmt.Errorf("persist revocation: %w", err)
	}
	m.revoked[tokenID] = entry
	return nil
}

// IsRevoked reports whether tokenID has ever been revoked, checking
// the in-memory cache first and falling back to the store (so a
// freshly restarted node still honors prior revocations).
func (m *Manager) IsRevoked(tokenID string) bool {
	m.mu.RLock()
	_, cached := m.revoked[tokenID]
	m.mu.RUnlock()
	if cached {
		return true
	}

	_, err := m.store.GetRevocation(tokenID)
	return err == nil
}

func tokenJSON(t Token) map[string]any {
	body := t.signingBody()
	body["signature"] = t.Signature
	return body
}
