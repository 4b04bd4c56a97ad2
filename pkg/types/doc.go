/*
Package types defines the core data structures shared across the bus core.

This package contains the wire envelope, topic/broker/endpoint metadata, and
identity/audit records used by every other package in this module. No other
package may duplicate a type defined here — processor, router, storage,
security, and bus all build on this shared model rather than each defining
their own copy.

# Architecture

The types package is the foundation of the bus's data model. It defines:

  - Message transport: MessageEnvelope, Priority, CompressionKind
  - Topic metadata: TopicMetadata, TopicStatus, partition/replica/ISR maps
  - Cluster metadata: BrokerMetadata, BrokerStatus, load scoring
  - Routing: EndpointStatus, BreakerState, RoutingRule, RoutingCondition
  - Security: User, TopicACL, AuditEvent, AuditEventType, AuditResult

All enums use typed string (or int) constants rather than bare literals.
Go still accepts a converted value outside the constant set (for example
CompressionKind("BOGUS")), so code that consumes these types handles
unknown values at runtime.

# Core Types

Message Transport:
  - MessageEnvelope: the unit of transport between producers and consumers;
    ID is immutable once set, Clone() returns a deep copy safe for
    independent mutation (used before a retry re-submit or a consume
    decrypt, so neither aliases the original's Attributes map).
  - Priority: low/normal/high/critical, wire-stable across processes.
  - CompressionKind: NONE/GZIP/SNAPPY/LZ4.

Topic Metadata:
  - TopicMetadata: the authoritative per-topic record, cached locally and
    mirrored from the replicated-log substrate; carries partition leader,
    replica, and in-sync-replica maps plus throughput counters.
  - TopicStatus: HEALTHY/DEGRADED/UNAVAILABLE/MAINTENANCE.

Cluster Metadata:
  - BrokerMetadata: one storage node's reported state; LoadScore() averages
    CPU/mem/disk utilization, Healthy() applies the staleness-plus-headroom
    invariant used by the storage placement algorithm.
  - BrokerStatus: HEALTHY/DEGRADED/UNREACHABLE.

Routing:
  - RoutingRule / RoutingCondition: the declarative policy evaluated by the
    content-based routing strategy, highest Priority first.
  - EndpointStatus, BreakerState: a router endpoint's lifecycle and circuit
    breaker state.

Security:
  - User: a registered identity with roles, permissions, and API keys.
  - TopicACL: a per-topic grant of a user's allowed actions.
  - AuditEvent / AuditEventType / AuditResult: the in-memory audit
    stream's entry shape and its closed set of event kinds and outcomes
    (entries carry no hash chain or signature).

# Usage

Constructing an envelope (typically via envelope.New, not by hand):

	env := &types.MessageEnvelope{
		ID:       uuid.NewString(),
		Topic:    "alerts",
		Payload:  payload,
		Priority: types.PriorityHigh,
		Attributes: map[string]string{
			types.AttrSourceNode: "node-1",
		},
		Partition: -1, // let storage hash message_id
	}

Checking broker health before placement:

	if !broker.Healthy(time.Now()) {
		continue // excluded from this partition's leader/replica candidates
	}

# Design Patterns

Enumeration Pattern:

	Enums are typed string (or int) constants:
	  type TopicStatus string
	  const (
	      TopicHealthy  TopicStatus = "HEALTHY"
	      TopicDegraded TopicStatus = "DEGRADED"
	  )

Reserved Attribute Keys:

	MessageEnvelope.Attributes uses reserved keys (AttrEncrypted,
	AttrSourceNode, AttrTraceID) rather than a fixed struct field, since the
	attribute set is open-ended and caller-extensible, while the three
	reserved keys are load-bearing for the bus core itself.

# Thread Safety

Types in this package carry no internal synchronization: concurrent
mutation of a shared *MessageEnvelope or *TopicMetadata must be
synchronized by the caller (the bus's topicManager and storage's
MetadataCache do this for their own copies). Clone() exists specifically so
a goroutine can take an independent, mutable copy without locking.
*/
package types
