// Package protocol implements the Remote Node Protocol's wire
// envelope and handshake: canonical JSON messages exchanged between
// nodes, validated for field presence, protocol-version agreement,
// and capability negotiation before their payload is trusted. It
// deliberately does not use grpc/protobuf — see DESIGN.md — because
// the same canonical bytes that cross the wire here are also what
// gets hashed elsewhere in the fabric, and a second serialization
// would only create a second, divergent source of truth.
package protocol

import (
	"github.com/google/uuid"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/errs"
)

// Envelope is every message's outer shape.
type Envelope struct {
	ProtocolVersion string   `json:"protocol_version"`
	TraceID         string   `json:"trace_id"`
	Timestamp       int64    `json:"timestamp"`
	NodeID          string   `json:"node_id"`
	Capabilities    []string `json:"capabilities"`
	Payload         any      `json:"payload"`
}

// Canonical returns the wire bytes for e: sorted keys, compact ASCII
// separators, UTF-8 — canon.Bytes already produces exactly this
// shape, so the envelope reuses it rather than a second encoder.
func (e Envelope) Canonical() []byte {
	return canon.Bytes(map[string]any{
		"protocol_version": e.ProtocolVersion,
		"trace_id":         e.TraceID,
		"timestamp":        e.Timestamp,
		"node_id":          e.NodeID,
		"capabilities":     canon.Set(e.Capabilities),
		"payload":          e.Payload,
	})
}

// NewEnvelope builds an Envelope with a fresh trace id.
func NewEnvelope(protocolVersion, nodeID string, capabilities []string, timestamp int64, payload any) Envelope {
	return Envelope{
		ProtocolVersion: protocolVersion,
		TraceID:         uuid.NewString(),
		Timestamp:       timestamp,
		NodeID:          nodeID,
		Capabilities:    capabilities,
		Payload:         payload,
	}
}

// HandshakeRequest is sent by a node initiating contact.
type HandshakeRequest struct {
	NodeID          string   `json:"node_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

// HandshakeResponse is the responder's answer.
type HandshakeResponse struct {
	NodeID                 string   `json:"node_id"`
	ProtocolVersion        string   `json:"protocol_version"`
	Accepted               bool     `json:"accepted"`
	NegotiatedCapabilities []string `json:"negotiated_capabilities"`
}

// CompatibilityWindow, when non-empty, lists protocol versions the
// responder will accept alongside its own and answer with its own
// version rather than failing closed. Spec's default behavior
// — hard fail-closed on any mismatch — is preserved when this is nil,
// matching the leniency being opt-in only.
type CompatibilityWindow []string

// Authority answers whether nodeID currently holds the "handshake"
// capability — the one capability a node must locally grant itself in
// order to respond to any handshake at all.
type Authority interface {
	HasCapability(nodeID, capability string) bool
}

// Handshake validates req against localProtocolVersion and
// localCapability authority, returning the response a responder sends
// back. If window is non-nil and req's version is within it but does
// not equal localProtocolVersion, the request is accepted and the
// response carries localProtocolVersion rather than rejecting outright.
func Handshake(req HandshakeRequest, localNodeID, localProtocolVersion string, negotiable []string, window CompatibilityWindow, authz Authority) HandshakeResponse {
	versionOK := req.ProtocolVersion == localProtocolVersion
	if !versionOK && window != nil {
		for _, v := range window {
			if v == req.ProtocolVersion {
				versionOK = true
				break
			}
		}
	}

	if !versionOK || !authz.HasCapability(localNodeID, "protocol:handshake") {
		return HandshakeResponse{
			NodeID:          localNodeID,
			ProtocolVersion: localProtocolVersion,
			Accepted:        false,
		}
	}

	negotiated := intersect(req.Capabilities, negotiable)
	return HandshakeResponse{
		NodeID:                 localNodeID,
		ProtocolVersion:        localProtocolVersion,
		Accepted:               true,
		NegotiatedCapabilities: negotiated,
	}
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, x := range b {
		set[x] = true
	}
	var out []string
	for _, x := range a {
		if set[x] {
			out = append(out, x)
		}
	}
	return out
}

// ValidateIncoming enforces: all required fields present, protocol
// version matches localProtocolVersion, and every capability the
// envelope declares is either in negotiatedCapabilities or separately
// authorized by authz for e.NodeID.
func ValidateIncoming(e Envelope, localProtocolVersion string, negotiatedCapabilities []string, authz Authority) error {
	if e.ProtocolVersion == "" || e.TraceID == "" || e.NodeID == "" {
		return errs.Protocol("protocol: envelope missing required field")
	}
	if e.ProtocolVersion != localProtocolVersion {
		return errs.Protocol("protocol: version mismatch: got %s want %s", e.ProtocolVersion, localProtocolVersion)
	}

	negotiated := make(map[string]bool, len(negotiatedCapabilities))
	for _, c := range negotiatedCapabilities {
		negotiated[c] = true
	}

	for _, c := range e.Capabilities {
		if negotiated[c] {
			continue
		}
		if authz != nil && authz.HasCapability(e.NodeID, c) {
			continue
		}
		return errs.Capability("protocol: capability %s neither negotiated nor authorized for %s", c, e.NodeID)
	}
	return nil
}
