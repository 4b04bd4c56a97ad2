/*
Package storage implements the distributed storage manager: topic
lifecycle against a replicated-log Substrate, replica placement across
brokers, partition auto-scaling, write-consistency verification, and
per-topic health classification.

# Architecture

The manager never stores message bodies itself. It mediates a Substrate
(by default a single-node Raft group, see RaftSubstrate) that owns the
replicated log, and keeps a local bbolt-backed MetadataCache so
DescribeTopic/DescribeCluster reads don't need a Raft round trip for
every call. The cache is refreshed whenever the manager observes
updated metadata from the substrate; it is never the source of truth.

# See also

  - RaftSubstrate for the default Substrate implementation
  - MetadataCache for the local bbolt read cache
  - Manager for the orchestration of placement, scaling, and consistency
*/
package storage
