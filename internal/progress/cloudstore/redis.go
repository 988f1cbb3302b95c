package cloudstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/schema"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps each progress document as a redis hash:
//
//	users:{uid}:trilhaProgress:{moduleID}  -> {doc, synced_at}
//	users:{uid}:trilhaProgress             -> set of module ids
//
// The write timestamp comes from the redis server clock (TIME).
type RedisStore struct {
	log *logger.Logger
	rdb goredis.UniversalClient
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions, log *logger.Logger) (*RedisStore, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreFromClient(rdb, log), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb goredis.UniversalClient, log *logger.Logger) *RedisStore {
	if log == nil {
		log = logger.Default()
	}
	return &RedisStore{
		log: log.With("service", "RedisCloudStore"),
		rdb: rdb,
	}
}

func redisDocKey(userID, moduleID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", UsersCollection, userID, ProgressCollection, moduleID)
}

func redisIndexKey(userID string) string {
	return fmt.Sprintf("%s:%s:%s", UsersCollection, userID, ProgressCollection)
}

func redisBackupKey(userID, backupID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", UsersCollection, userID, BackupCollection, backupID)
}

func (s *RedisStore) Get(ctx context.Context, userID, moduleID string) (*schema.ProgressRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, redisDocKey(userID, moduleID)).Result()
	if err != nil {
		return nil, retryable("get", moduleID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeRedisDoc(vals, moduleID)
}

func decodeRedisDoc(vals map[string]string, moduleID string) (*schema.ProgressRecord, error) {
	raw, ok := vals["doc"]
	if !ok {
		return nil, terminal("get", moduleID, fmt.Errorf("%w: missing doc field", ErrMalformed))
	}
	var syncedAt time.Time
	if s := vals["synced_at"]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, terminal("get", moduleID, fmt.Errorf("%w: bad synced_at: %v", ErrMalformed, err))
		}
		syncedAt = t
	}
	return decodeDoc([]byte(raw), moduleID, syncedAt)
}

// serverTime reads the redis server clock.
func (s *RedisStore) serverTime(ctx context.Context) (time.Time, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *RedisStore) Set(ctx context.Context, userID, moduleID string, rec *schema.ProgressRecord) (time.Time, error) {
	out, err := prepare(moduleID, rec)
	if err != nil {
		return time.Time{}, err
	}

	syncedAt, err := s.serverTime(ctx)
	if err != nil {
		return time.Time{}, retryable("set", moduleID, err)
	}
	out.SyncedAt = &syncedAt

	raw, err := json.Marshal(out)
	if err != nil {
		return time.Time{}, terminal("set", moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, redisDocKey(userID, moduleID),
			"doc", string(raw),
			"synced_at", syncedAt.Format(time.RFC3339Nano),
			"updated_at", out.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, redisIndexKey(userID), moduleID)
		return nil
	})
	if err != nil {
		return time.Time{}, retryable("set", moduleID, err)
	}

	s.log.Debug("progress document written", "user_id", userID, "module", moduleID)
	return syncedAt, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID, moduleID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, redisDocKey(userID, moduleID))
		pipe.SRem(ctx, redisIndexKey(userID), moduleID)
		return nil
	})
	if err != nil {
		return retryable("delete", moduleID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, userID string) ([]*schema.ProgressRecord, error) {
	ids, err := s.rdb.SMembers(ctx, redisIndexKey(userID)).Result()
	if err != nil {
		return nil, retryable("list", "", err)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return []*schema.ProgressRecord{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, redisDocKey(userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, retryable("list", "", err)
	}

	records := make([]*schema.ProgressRecord, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			// index entry without document; a concurrent delete
			continue
		}
		rec, err := decodeRedisDoc(vals, ids[i])
		if err != nil {
			s.log.Warn("skipping malformed progress document", "user_id", userID, "module", ids[i], "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) PutBackup(ctx context.Context, userID string, b *schema.Backup) (time.Time, error) {
	if err := b.Validate(); err != nil {
		return time.Time{}, terminal("backup", "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return time.Time{}, terminal("backup", "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	syncedAt, err := s.serverTime(ctx)
	if err != nil {
		return time.Time{}, retryable("backup", "", err)
	}
	if err := s.rdb.Set(ctx, redisBackupKey(userID, b.ID), raw, 0).Err(); err != nil {
		return time.Time{}, retryable("backup", "", err)
	}
	return syncedAt, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return retryable("ping", "", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
