package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errCacheMiss covers both absent and expired entries.
var errCacheMiss = badger.ErrKeyNotFound

type entry struct {
	Options   []schemas.HierarchyOption `json:"options"`
	ExpiresAt int64                     `json:"expires_at"`
}

// Cache stores option lists in badger. Entries expire after ttl.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

// OpenCache opens a badger database in dir, or an in-memory one when dir is empty.
func OpenCache(dir string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open option cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) get(ctx context.Context, key string) ([]schemas.HierarchyOption, error) {
	_, span := tracer.Start(ctx, "cache.get", trace.WithAttributes(attribute.String("cache_key", key)))
	defer span.End()

	var cached entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cached)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errCacheMiss
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read cached options")
		return nil, err
	}

	if cached.ExpiresAt > 0 && c.now().Unix() >= cached.ExpiresAt {
		span.AddEvent("delete expired cache key")
		if err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		}); err != nil {
			span.RecordError(err)
		}
		return nil, errCacheMiss
	}
	span.SetAttributes(attribute.Int("options", len(cached.Options)))
	return cached.Options, nil
}

func (c *Cache) set(ctx context.Context, key string, opts []schemas.HierarchyOption) error {
	_, span := tracer.Start(ctx, "cache.set", trace.WithAttributes(attribute.String("cache_key", key)))
	defer span.End()

	value := entry{Options: opts}
	if c.ttl > 0 {
		value.ExpiresAt = c.now().Add(c.ttl).Unix()
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize options")
		return err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), serialized)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badger item")
	}
	return err
}

// Purge drops every cached entry.
func (c *Cache) Purge() error {
	return c.db.DropAll()
}

// badgerLogger routes badger's logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
