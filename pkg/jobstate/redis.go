package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLeaseTTL is the Redis lease lifetime. Held leases are refreshed at a
// third of the TTL, so a crashed owner frees the identity within one TTL.
const DefaultLeaseTTL = 30 * time.Second

const defaultKeyPrefix = "snapvault:jobstate:"

var (
	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	// KeyPrefix namespaces all keys. Defaults to "snapvault:jobstate:".
	KeyPrefix string

	// LeaseTTL is the lease lifetime. Defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration

	// Logger receives lease refresh failures. Defaults to a no-op logger.
	Logger *zap.Logger
}

// RedisBackend persists records as JSON strings and leases identities with
// SET NX.
//
// Keys:
//
//	<prefix><type>:<name>        record JSON
//	<prefix>index:<type>         set of job names
//	<prefix>types                set of job types
//	<prefix>lease:<type>:<name>  lease owner
type RedisBackend struct {
	client   redis.UniversalClient
	prefix   string
	leaseTTL time.Duration
	logger   *zap.Logger
}

var (
	_ Backend = (*RedisBackend)(nil)
	_ Leaser  = (*RedisBackend)(nil)
)

func NewRedisBackend(client redis.UniversalClient, cfg RedisConfig) *RedisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{client: client, prefix: prefix, leaseTTL: ttl, logger: logger}
}

func (b *RedisBackend) recordKey(id ID) string {
	return b.prefix + id.Type + ":" + id.Name
}

func (b *RedisBackend) indexKey(jobType string) string {
	return b.prefix + "index:" + jobType
}

func (b *RedisBackend) typesKey() string {
	return b.prefix + "types"
}

func (b *RedisBackend) leaseKey(id ID) string {
	return b.prefix + "lease:" + id.Type + ":" + id.Name
}

func (b *RedisBackend) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	stored := *rec
	stored.Stale = false
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	id := rec.ID()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.recordKey(id), data, 0)
	pipe.SAdd(ctx, b.indexKey(id.Type), id.Name)
	pipe.SAdd(ctx, b.typesKey(), id.Type)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context, id ID) (*Record, error) {
	data, err := b.client.Get(ctx, b.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse job state %s: %w", id, err)
	}
	return &rec, nil
}

func (b *RedisBackend) List(ctx context.Context, jobType string) ([]Record, error) {
	types := []string{jobType}
	if jobType == "" {
		var err error
		types, err = b.client.SMembers(ctx, b.typesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("list job types: %w", err)
		}
	}

	var out []Record
	for _, t := range types {
		names, err := b.client.SMembers(ctx, b.indexKey(t)).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, name := range names {
			rec, err := b.Load(ctx, ID{Type: t, Name: name})
			if err != nil {
				continue
			}
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Lease acquires the identity for owner and keeps the lease alive until the
// returned release function is called.
func (b *RedisBackend) Lease(ctx context.Context, id ID, owner string) (func() error, error) {
	key := b.leaseKey(id)
	ok, err := b.client.SetNX(ctx, key, owner, b.leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.leaseTTL / 3)
		defer ticker.Stop()
		bg := context.WithoutCancel(ctx)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := refreshLease.Run(bg, b.client, []string{key}, owner, b.leaseTTL.Milliseconds()).Int64()
				if err != nil {
					b.logger.Warn("redis lease refresh failed", zap.String("job", id.String()), zap.String("owner", owner), zap.Error(err))
					continue
				}
				if n == 0 {
					// Expired or taken over; another owner may hold it now.
					b.logger.Warn("redis lease lost", zap.String("job", id.String()), zap.String("owner", owner))
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = releaseLease.Run(context.WithoutCancel(ctx), b.client, []string{key}, owner).Err()
		})
		return err
	}, nil
}
