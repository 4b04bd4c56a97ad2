package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/log"
	"github.com/cuemby/meshbus/pkg/types"
)

// command is the Raft log entry payload, applied by the FSM. The shape
// mirrors the teacher's manager Command{Op,Data} pattern.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateTopic    = "create_topic"
	opDeleteTopic    = "delete_topic"
	opAddPartitions  = "add_partitions"
	opUpdateTopic    = "update_topic"
	opRegisterBroker = "register_broker"
	opAppendRecord   = "append_record"
)

// RaftSubstrate is the default in-process Substrate implementation: a
// single-node Raft group applying topic/broker commands to an in-memory
// FSM, with a BoltDB-backed log/stable store for crash recovery of the
// Raft log itself (record bodies are not persisted across restarts — this
// is a development/single-node substrate, not a production broker fleet).
type RaftSubstrate struct {
	raft *raft.Raft
	fsm  *substrateFSM

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	transport   *raft.InmemTransport
}

// NewRaftSubstrate bootstraps a single-node Raft cluster rooted at
// cfg.DataDir.
func NewRaftSubstrate(nodeID string, cfg Config) (*RaftSubstrate, error) {
	dir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(nodeID)
	raftCfg.Logger = nil // the FSM and manager log through zerolog instead

	fsm := newSubstrateFSM()

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))

	snapshots := raft.NewInmemSnapshotStore()

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft instance: %w", err)
	}

	bootstrapCfg := raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: addr}},
	}
	if err := r.BootstrapCluster(bootstrapCfg).Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	s := &RaftSubstrate{raft: r, fsm: fsm, logStore: logStore, stableStore: stableStore, transport: transport}
	s.awaitLeader(10 * time.Second)
	return s, nil
}

func (s *RaftSubstrate) awaitLeader(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.raft.State() == raft.Leader {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.WithComponent("storage.substrate").Warn().Msg("raft leader election did not converge before timeout")
}

func (s *RaftSubstrate) apply(cmd command, timeout time.Duration) error {
	if s.raft.State() != raft.Leader {
		return buserr.New(buserr.KindStorageError, "not the raft leader", nil)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	future := s.raft.Apply(b, timeout)
	if err := future.Error(); err != nil {
		return buserr.New(buserr.KindStorageError, "raft apply failed", err)
	}
	if res, ok := future.Response().(error); ok && res != nil {
		return buserr.New(buserr.KindStorageError, "fsm rejected command", res)
	}
	return nil
}

func (s *RaftSubstrate) CreateTopic(ctx context.Context, spec TopicSpec) error {
	data, _ := json.Marshal(spec)
	return s.apply(command{Op: opCreateTopic, Data: data}, 5*time.Second)
}

func (s *RaftSubstrate) DeleteTopic(ctx context.Context, name string) error {
	data, _ := json.Marshal(map[string]string{"name": name})
	return s.apply(command{Op: opDeleteTopic, Data: data}, 5*time.Second)
}

func (s *RaftSubstrate) AddPartitions(ctx context.Context, name string, newTotal int) error {
	data, _ := json.Marshal(map[string]any{"name": name, "total": newTotal})
	return s.apply(command{Op: opAddPartitions, Data: data}, 5*time.Second)
}

// UpdateTopicMetadata pushes a full metadata record (leader/ISR/replica
// assignments) through Raft. It is not part of the Substrate interface; the
// Manager keeps its placement results in its MetadataCache and does not call
// this method.
func (s *RaftSubstrate) UpdateTopicMetadata(ctx context.Context, meta *types.TopicMetadata) error {
	data, _ := json.Marshal(meta)
	return s.apply(command{Op: opUpdateTopic, Data: data}, 5*time.Second)
}

// RegisterBroker records broker heartbeat/telemetry through Raft.
func (s *RaftSubstrate) RegisterBroker(ctx context.Context, b *types.BrokerMetadata) error {
	data, _ := json.Marshal(b)
	return s.apply(command{Op: opRegisterBroker, Data: data}, 5*time.Second)
}

func (s *RaftSubstrate) DescribeCluster(ctx context.Context) (ClusterDescription, error) {
	return ClusterDescription{Brokers: s.fsm.listBrokers()}, nil
}

func (s *RaftSubstrate) DescribeTopic(ctx context.Context, name string) (*types.TopicMetadata, error) {
	meta, ok := s.fsm.getTopic(name)
	if !ok {
		return nil, buserr.New(buserr.KindInvalidTopic, "topic not found", nil)
	}
	return meta, nil
}

func (s *RaftSubstrate) DescribeConfigs(ctx context.Context, name string) (map[string]string, error) {
	meta, ok := s.fsm.getTopic(name)
	if !ok {
		return nil, buserr.New(buserr.KindInvalidTopic, "topic not found", nil)
	}
	return meta.Config, nil
}

func (s *RaftSubstrate) AppendRecord(ctx context.Context, rec Record) (AppendResult, error) {
	data, _ := json.Marshal(rec)
	if err := s.apply(command{Op: opAppendRecord, Data: data}, 5*time.Second); err != nil {
		return AppendResult{}, err
	}
	return s.fsm.lastAppendResult(rec.Topic, rec.Partition), nil
}

func (s *RaftSubstrate) ReadRecords(ctx context.Context, topic string, partition int, maxRecords int) ([][]byte, error) {
	return s.fsm.readRecords(topic, partition, maxRecords), nil
}

func (s *RaftSubstrate) Close() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("raft shutdown: %w", err)
	}
	if err := s.logStore.Close(); err != nil {
		return err
	}
	return s.stableStore.Close()
}

// substrateFSM applies committed commands to in-memory topic/broker state
// and per-partition record logs.
type substrateFSM struct {
	mu      sync.RWMutex
	topics  map[string]*types.TopicMetadata
	brokers map[string]*types.BrokerMetadata
	logs    map[string]map[int][][]byte // topic -> partition -> records
	lastISR map[string]int              // "topic/partition" -> observed ISR size
}

func newSubstrateFSM() *substrateFSM {
	return &substrateFSM{
		topics:  make(map[string]*types.TopicMetadata),
		brokers: make(map[string]*types.BrokerMetadata),
		logs:    make(map[string]map[int][][]byte),
		lastISR: make(map[string]int),
	}
}

func (f *substrateFSM) Apply(l *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateTopic:
		var spec TopicSpec
		if err := json.Unmarshal(cmd.Data, &spec); err != nil {
			return err
		}
		if _, exists := f.topics[spec.Name]; exists {
			return nil // idempotent
		}
		now := time.Now()
		f.topics[spec.Name] = &types.TopicMetadata{
			Name:              spec.Name,
			Partitions:        spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
			Config:            spec.Config,
			CreatedAt:         now,
			UpdatedAt:         now,
			Status:            types.TopicHealthy,
			PartitionLeaders:  make(map[int]string),
			PartitionReplicas: make(map[int][]string),
			PartitionISR:      make(map[int][]string),
		}
		f.logs[spec.Name] = make(map[int][][]byte)
		return nil

	case opDeleteTopic:
		var req struct{ Name string }
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		delete(f.topics, req.Name)
		delete(f.logs, req.Name)
		return nil

	case opAddPartitions:
		var req struct {
			Name  string
			Total int
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		meta, ok := f.topics[req.Name]
		if !ok {
			return fmt.Errorf("topic %q not found", req.Name)
		}
		if req.Total > meta.Partitions {
			meta.Partitions = req.Total
			meta.UpdatedAt = time.Now()
		}
		return nil

	case opUpdateTopic:
		var meta types.TopicMetadata
		if err := json.Unmarshal(cmd.Data, &meta); err != nil {
			return err
		}
		meta.UpdatedAt = time.Now()
		f.topics[meta.Name] = &meta
		return nil

	case opRegisterBroker:
		var b types.BrokerMetadata
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		f.brokers[b.ID] = &b
		return nil

	case opAppendRecord:
		var rec Record
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		topicLogs, ok := f.logs[rec.Topic]
		if !ok {
			return fmt.Errorf("topic %q not found", rec.Topic)
		}
		topicLogs[rec.Partition] = append(topicLogs[rec.Partition], rec.Value)

		meta := f.topics[rec.Topic]
		meta.MessageCount++
		meta.TotalSizeBytes += int64(len(rec.Value))
		isr := len(meta.PartitionISR[rec.Partition])
		f.lastISR[fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)] = isr
		return nil

	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

func (f *substrateFSM) getTopic(name string) (*types.TopicMetadata, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	meta, ok := f.topics[name]
	return meta, ok
}

func (f *substrateFSM) listBrokers() []*types.BrokerMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*types.BrokerMetadata, 0, len(f.brokers))
	for _, b := range f.brokers {
		out = append(out, b)
	}
	return out
}

func (f *substrateFSM) lastAppendResult(topic string, partition int) AppendResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	offset := int64(len(f.logs[topic][partition]))
	isr := f.lastISR[fmt.Sprintf("%s/%d", topic, partition)]
	return AppendResult{Partition: partition, Offset: offset, ISRSize: isr}
}

func (f *substrateFSM) readRecords(topic string, partition int, maxRecords int) [][]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	records := f.logs[topic][partition]
	if maxRecords > 0 && len(records) > maxRecords {
		records = records[len(records)-maxRecords:]
	}
	out := make([][]byte, len(records))
	copy(out, records)
	return out
}

func (f *substrateFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	topicsCopy := make(map[string]*types.TopicMetadata, len(f.topics))
	for k, v := range f.topics {
		topicsCopy[k] = v
	}
	brokersCopy := make(map[string]*types.BrokerMetadata, len(f.brokers))
	for k, v := range f.brokers {
		brokersCopy[k] = v
	}
	return &substrateSnapshot{topics: topicsCopy, brokers: brokersCopy}, nil
}

func (f *substrateFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap struct {
		Topics  map[string]*types.TopicMetadata
		Brokers map[string]*types.BrokerMetadata
	}
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = snap.Topics
	f.brokers = snap.Brokers
	if f.topics == nil {
		f.topics = make(map[string]*types.TopicMetadata)
	}
	if f.brokers == nil {
		f.brokers = make(map[string]*types.BrokerMetadata)
	}
	f.logs = make(map[string]map[int][][]byte)
	for name := range f.topics {
		f.logs[name] = make(map[int][][]byte)
	}
	return nil
}

type substrateSnapshot struct {
	topics  map[string]*types.TopicMetadata
	brokers map[string]*types.BrokerMetadata
}

func (s *substrateSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	return json.NewEncoder(sink).Encode(struct {
		Topics  map[string]*types.TopicMetadata
		Brokers map[string]*types.BrokerMetadata
	}{Topics: s.topics, Brokers: s.brokers})
}

func (s *substrateSnapshot) Release() {}
