package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/offlinegate/internal/models"
)

// Redis key layout:
//
//	offlinegate:{prefix}:caches           SET of namespace names
//	offlinegate:{prefix}:cache:{name}     HASH request key -> CacheEntry JSON

// NamesKey returns the key of the namespace set.
func NamesKey(prefix string) string {
	return fmt.Sprintf("offlinegate:%s:caches", prefix)
}

// CacheKey returns the key of one namespace hash.
func CacheKey(prefix, name string) string {
	return fmt.Sprintf("offlinegate:%s:cache:%s", prefix, name)
}

// RedisStorage keeps namespaces in Redis so several gateways can share them.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStorage returns a Storage over rdb. prefix scopes the keys.
func NewRedisStorage(rdb *redis.Client, prefix string) (*RedisStorage, error) {
	if prefix == "" {
		return nil, fmt.Errorf("redis key prefix cannot be empty")
	}
	return &RedisStorage{rdb: rdb, prefix: prefix}, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Open implements Storage.
func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name cannot be empty")
	}
	if err := s.rdb.SAdd(ctx, NamesKey(s.prefix), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to create cache %q: %w", name, err)
	}
	return &redisCache{rdb: s.rdb, prefix: s.prefix, name: name}, nil
}

// Has implements Storage.
func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, NamesKey(s.prefix), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up cache %q: %w", name, err)
	}
	return ok, nil
}

// Keys implements Storage.
func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, NamesKey(s.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, NamesKey(s.prefix), name)
		pipe.Del(ctx, CacheKey(s.prefix, name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %q: %w", name, err)
	}
	return removed.Val() > 0, nil
}

type redisCache struct {
	rdb    *redis.Client
	prefix string
	name   string
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	data, err := c.rdb.HGet(ctx, CacheKey(c.prefix, c.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	e, err := unmarshalEntry(data)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %q: %w", key, err)
	}
	resp, err := fromEntry(e)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll writes the namespace and all entries in one MULTI/EXEC.
func (c *redisCache) PutAll(ctx context.Context, entries []Entry) error {
	fields := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		e, err := toEntry(c.name, entry.Key, entry.Response)
		if err != nil {
			return err
		}
		data, err := marshalEntry(e)
		if err != nil {
			return err
		}
		fields[entry.Key] = data
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, NamesKey(c.prefix), c.name)
		if len(fields) > 0 {
			pipe.HSet(ctx, CacheKey(c.prefix, c.name), fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d cache entries: %w", len(entries), err)
	}
	return nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.rdb.HKeys(ctx, CacheKey(c.prefix, c.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// marshalEntry encodes an entry including its body, which CacheEntry hides from JSON.
func marshalEntry(e *models.CacheEntry) ([]byte, error) {
	type stored models.CacheEntry
	wire := struct {
		*stored
		Body []byte `json:"body"`
	}{stored: (*stored)(e), Body: e.Body}
	return json.Marshal(wire)
}

func unmarshalEntry(data []byte) (*models.CacheEntry, error) {
	var e models.CacheEntry
	type stored models.CacheEntry
	wire := struct {
		*stored
		Body []byte `json:"body"`
	}{stored: (*stored)(&e)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	e.Body = wire.Body
	return &e, nil
}
