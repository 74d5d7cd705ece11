/*
Package storage provides BoltDB-backed state persistence for a single
execution node.

Each node owns one bbolt file holding its capability tokens,
revocation list, plan cache, sandbox snapshots, provenance records,
audit chain, and CA/secret material. Cluster-wide trusted-node
membership lives in the Raft log (pkg/membership) and is only mirrored
here as a local read cache.

# Bucket layout

	tokens            token_id        -> signed CapabilityToken (JSON)
	revocations        token_id        -> RevocationEntry (JSON)
	plans              plan_hash       -> cached Plan (JSON)
	snapshots          execution_id    -> sandbox Snapshot (JSON)
	provenance         artifact_id     -> ProvenanceRecord (JSON)
	audit              seq (16 hex)    -> AuditEvent (JSON)
	audit_roots        label          -> Merkle root bytes
	trusted_nodes      node_id         -> TrustedNode mirror (JSON)
	ca                 fixed key      -> encrypted CA material
	secrets            name           -> encrypted secret

# Transaction model

Reads use db.View for consistent snapshots; writes use db.Update and
are serialized by bbolt's single-writer model. All values are
JSON-encoded by the caller before being handed to Store, consistent
with the rest of the fabric keeping canonicalization (pkg/canon)
separate from storage mechanics.

# See also

  - pkg/membership for the Raft-replicated trusted node registry
  - pkg/audit for the Merkle chain built on top of the audit bucket
  - pkg/pki for the CA/secret material persisted through this package
*/
package storage
