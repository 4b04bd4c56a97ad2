package storage

import (
	"context"

	"github.com/cuemby/meshbus/pkg/types"
)

// Record is a single durable append unit handed to the substrate.
type Record struct {
	Topic     string
	Partition int
	Key       string
	Value     []byte
	Acks      AckLevel
}

// AppendResult reports where a record landed and the ISR size observed
// immediately after the append.
type AppendResult struct {
	Partition int
	Offset    int64
	ISRSize   int
}

// TopicSpec describes the desired shape of a topic at creation time.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

// ClusterDescription is the substrate's view of broker health.
type ClusterDescription struct {
	Brokers []*types.BrokerMetadata
}

// Substrate is the external replicated-log dependency the storage manager
// mediates. Implementations may be backed by an in-process Raft FSM (the
// default here) or by an out-of-process broker fleet.
type Substrate interface {
	CreateTopic(ctx context.Context, spec TopicSpec) error
	DeleteTopic(ctx context.Context, name string) error
	AddPartitions(ctx context.Context, name string, newTotal int) error

	DescribeCluster(ctx context.Context) (ClusterDescription, error)
	DescribeTopic(ctx context.Context, name string) (*types.TopicMetadata, error)
	DescribeConfigs(ctx context.Context, name string) (map[string]string, error)

	AppendRecord(ctx context.Context, rec Record) (AppendResult, error)
	ReadRecords(ctx context.Context, topic string, partition int, maxRecords int) ([][]byte, error)

	Close() error
}
