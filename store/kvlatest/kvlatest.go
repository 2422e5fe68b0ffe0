// Package kvlatest caches the most recent record per robot in a NATS
// JetStream KV bucket so the latest-reading query avoids a database
// round trip. The cache is best effort: misses and write failures fall
// back to the store.
package kvlatest

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/natsclient"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// DefaultBucket is the bucket name used when none is configured.
const DefaultBucket = "latest_readings"

// Cache holds the latest record per robot keyed by robot id.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates or binds the bucket on an established client.
func New(ctx context.Context, client *natsclient.Client, bucket string) (*Cache, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "latest telemetry record per robot",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "kvlatest.Cache", "New", "create bucket")
	}
	return &Cache{kv: kv}, nil
}

// Put stores a record under its robot id.
func (c *Cache) Put(ctx context.Context, record *telemetry.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapInvalid(err, "kvlatest.Cache", "Put", "encode record")
	}
	if _, err := c.kv.Put(ctx, record.RobotID, data); err != nil {
		return errors.WrapTransient(err, "kvlatest.Cache", "Put", "write key")
	}
	return nil
}

// Get returns the cached record for one robot, or
// errors.ErrRecordNotFound on a miss.
func (c *Cache) Get(ctx context.Context, robotID string) (*telemetry.Record, error) {
	entry, err := c.kv.Get(ctx, robotID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrRecordNotFound
		}
		return nil, errors.WrapTransient(err, "kvlatest.Cache", "Get", "read key")
	}

	var record telemetry.Record
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, errors.WrapInvalid(err, "kvlatest.Cache", "Get", "decode record")
	}
	return &record, nil
}

// RobotIDs lists the robots with a cached record.
func (c *Cache) RobotIDs(ctx context.Context) ([]string, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "kvlatest.Cache", "RobotIDs", "list keys")
	}
	return keys, nil
}
