package bus

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/topology"
)

// openKV opens a bucket lazily and caches the handle. Buckets absent from
// the broker are created with their declared attributes, falling back to
// the default history depth for undeclared buckets. The cache is
// write-through and never evicts.
func (c *Client) openKV(bucket string) (nats.KeyValue, error) {
	c.mu.RLock()
	if kv, ok := c.kvCache[bucket]; ok {
		c.mu.RUnlock()
		return kv, nil
	}
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, ErrNotConnected
	}

	kv, err := js.KeyValue(bucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("bus: kv open %s: %w", bucket, err)
		}
		cfg := nats.KeyValueConfig{Bucket: bucket, History: topology.DefaultKVHistory}
		for _, spec := range topology.Buckets() {
			if spec.Bucket == bucket {
				cfg.History = spec.History
				cfg.TTL = spec.TTL
				cfg.Storage = spec.Storage
				break
			}
		}
		kv, err = js.CreateKeyValue(&cfg)
		if err != nil {
			return nil, fmt.Errorf("bus: kv create %s: %w", bucket, err)
		}
	}

	c.mu.Lock()
	// Another caller may have raced the open; keep the first handle.
	if existing, ok := c.kvCache[bucket]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.kvCache[bucket] = kv
	c.mu.Unlock()
	return kv, nil
}

// KVPut stores a value.
func (c *Client) KVPut(bucket, key string, value []byte) (uint64, error) {
	kv, err := c.openKV(bucket)
	if err != nil {
		return 0, err
	}
	return kv.Put(key, value)
}

// KVGet fetches the latest revision of a key.
func (c *Client) KVGet(bucket, key string) ([]byte, error) {
	kv, err := c.openKV(bucket)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

// KVKeys lists the keys in a bucket.
func (c *Client) KVKeys(bucket string) ([]string, error) {
	kv, err := c.openKV(bucket)
	if err != nil {
		return nil, err
	}
	return kv.Keys()
}

// KVDelete removes a key.
func (c *Client) KVDelete(bucket, key string) error {
	kv, err := c.openKV(bucket)
	if err != nil {
		return err
	}
	return kv.Delete(key)
}

// KVWatch watches keys matching a pattern. The caller stops the watcher.
func (c *Client) KVWatch(bucket, pattern string) (nats.KeyWatcher, error) {
	kv, err := c.openKV(bucket)
	if err != nil {
		return nil, err
	}
	return kv.Watch(pattern)
}
