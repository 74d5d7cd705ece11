// Package audit implements the per-node Audit Chain: an ordered,
// append-only event log whose Merkle root changes the instant any
// past event is altered. The pub/sub fan-out (Subscribe, Unsubscribe
// and the broadcast inside Emit) is adapted directly from the teacher's
// events package — same channel-based subscription model — but Emit
// here also appends the event to the chain and recomputes the root,
// and the event vocabulary is the fabric's, not a container
// orchestrator's.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/aegisfabric/aegis/pkg/canon"
)

// EventType enumerates the events the audit chain must be able to
// record per the fabric's mandatory event vocabulary.
type EventType string

const (
	EventCapabilityIssued   EventType = "capability_issued"
	EventCapabilityVerified EventType = "capability_verified"
	EventCapabilityDenied   EventType = "capability_denied"
	EventCapabilityRevoked  EventType = "capability_revoked"
	EventPlanBuilt          EventType = "plan_built"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventQuotaExceeded      EventType = "quota_exceeded"
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventRollbackExecuted   EventType = "rollback_executed"
)

// Event is one audit log entry. Seq is assigned by the Chain at
// append time and is never part of the event's own canonical hash
// (it is positional metadata, not event content).
type Event struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Details   map[string]string `json:"details"`
}

func (e Event) canonicalBody() map[string]any {
	return map[string]any{
		"type":      string(e.Type),
		"timestamp": e.Timestamp,
		"details":   e.Details,
	}
}

// leafHash is SHA-256 of the event's canonical form.
func leafHash(e Event) string {
	return canon.Hash(e.canonicalBody())
}

// Subscriber receives a copy of each event appended after it
// subscribes. Its buffer holds 64 events; an event emitted while the
// buffer is full is not delivered to that subscriber.
type Subscriber chan Event

// Chain is a single node's append-only audit log plus its live
// Merkle root. All mutation goes through Emit, which is the chain's
// single writer; Events/Root/VerifyRoot read a stable snapshot under
// a read lock.
type Chain struct {
	mu          sync.RWMutex
	events      []Event
	leaves      []string
	subscribers map[Subscriber]bool
	now         func() int64
}

// NewChain builds an empty Chain. now supplies event timestamps.
func NewChain(now func() int64) *Chain {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Chain{subscribers: make(map[Subscriber]bool), now: now}
}

// Emit canonicalizes the event, appends it to the ordered log, and
// recomputes the Merkle root. It publishes the appended event (with
// its assigned seq) to every live subscriber on a best-effort basis.
func (c *Chain) Emit(eventType EventType, details map[string]string) Event {
	c.mu.Lock()
	e := Event{Seq: uint64(len(c.events)), Type: eventType, Timestamp: c.now(), Details: details}
	c.events = append(c.events, e)
	c.leaves = append(c.leaves, leafHash(e))
	c.mu.Unlock()

	c.broadcast(e)
	return e
}

// Subscribe returns a channel that receives the events emitted after
// this call, dropping any emitted while its buffer is full.
func (c *Chain) Subscribe() Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := make(Subscriber, 64)
	c.subscribers[sub] = true
	return sub
}

// Unsubscribe stops and closes sub.
func (c *Chain) Unsubscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[sub]; ok {
		delete(c.subscribers, sub)
		close(sub)
	}
}

func (c *Chain) broadcast(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sub := range c.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
}

// Events returns a copy of the full ordered event log.
func (c *Chain) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Root returns the chain's current Merkle root over its leaves, or
// the empty string if the chain has no events.
func (c *Chain) Root() string {
	c.mu.RLock()
	leaves := append([]string(nil), c.leaves...)
	c.mu.RUnlock()
	return merkleRoot(leaves)
}

// VerifyRoot recomputes the root from the current leaves and compares
// it against expected; any tampering with a past event changes its
// leaf hash and therefore the recomputed root.
func (c *Chain) VerifyRoot(expected string) bool {
	return c.Root() == expected
}

// merkleRoot folds leaves pairwise: internal = SHA256(concat(canonical
// children)), duplicating the last node on an odd level, matching the
// spec's "internal = SHA256 of concatenated canonical children" rule.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			sum := sha256.Sum256([]byte(level[i] + right))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}
