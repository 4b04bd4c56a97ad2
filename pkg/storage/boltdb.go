package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/meshbus/pkg/types"
)

var (
	bucketTopics  = []byte("topics")
	bucketBrokers = []byte("brokers")
	bucketACLs    = []byte("acls")
)

// MetadataCache is a local BoltDB-backed read cache of substrate-owned
// metadata, giving DescribeTopic/DescribeCluster callers a fast local path
// instead of a round trip through Raft for every read. The substrate
// remains the source of truth; the cache is refreshed by the manager
// whenever it observes updated metadata.
type MetadataCache struct {
	db *bolt.DB
}

// NewMetadataCache opens (creating if absent) the bbolt file under dataDir.
func NewMetadataCache(dataDir string) (*MetadataCache, error) {
	dbPath := filepath.Join(dataDir, "meshbus-cache.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTopics, bucketBrokers, bucketACLs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &MetadataCache{db: db}, nil
}

func (c *MetadataCache) Close() error {
	return c.db.Close()
}

func (c *MetadataCache) PutTopic(meta *types.TopicMetadata) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTopics).Put([]byte(meta.Name), data)
	})
}

func (c *MetadataCache) GetTopic(name string) (*types.TopicMetadata, error) {
	var meta types.TopicMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTopics).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("topic not cached: %s", name)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *MetadataCache) ListTopics() ([]*types.TopicMetadata, error) {
	var topics []*types.TopicMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTopics).ForEach(func(k, v []byte) error {
			var meta types.TopicMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			topics = append(topics, &meta)
			return nil
		})
	})
	return topics, err
}

func (c *MetadataCache) DeleteTopic(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTopics).Delete([]byte(name))
	})
}

func (c *MetadataCache) PutBroker(b *types.BrokerMetadata) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBrokers).Put([]byte(b.ID), data)
	})
}

func (c *MetadataCache) ListBrokers() ([]*types.BrokerMetadata, error) {
	var brokers []*types.BrokerMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBrokers).ForEach(func(k, v []byte) error {
			var b types.BrokerMetadata
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			brokers = append(brokers, &b)
			return nil
		})
	})
	return brokers, err
}

func (c *MetadataCache) PutACL(acl *types.TopicACL) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(acl)
		if err != nil {
			return err
		}
		key := acl.Topic + "/" + acl.UserID
		return tx.Bucket(bucketACLs).Put([]byte(key), data)
	})
}

func (c *MetadataCache) ListACLs(topic string) ([]*types.TopicACL, error) {
	var acls []*types.TopicACL
	prefix := []byte(topic + "/")
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketACLs).Cursor()
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			var acl types.TopicACL
			if err := json.Unmarshal(v, &acl); err != nil {
				return err
			}
			acls = append(acls, &acl)
		}
		return nil
	})
	return acls, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
