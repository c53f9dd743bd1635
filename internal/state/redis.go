package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries for one Advance.
const maxTxRetries = 10

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key (default "tubedigest:").
	Prefix string
}

// RedisStore keeps records as hashes and indexes them in a sorted set
// scored by update time in microseconds, which a float64 score holds
// exactly. Each Advance is a WATCH/MULTI read-check-write.
type RedisStore struct {
	client *redis.Client
	prefix string
	locks  keyLocks
	now    func() time.Time
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tubedigest:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(videoID string) string    { return s.prefix + "record:" + videoID }
func (s *RedisStore) recordsKey() string                 { return s.prefix + "records" }
func (s *RedisStore) channelKey(channelID string) string { return s.prefix + "channel:" + channelID }
func (s *RedisStore) channelsKey() string                { return s.prefix + "channels" }
func (s *RedisStore) deliveredKey(videoID string) string { return s.prefix + "delivered:" + videoID }

func recordFields(r *Record) map[string]any {
	return map[string]any{
		"channel_id":  r.ChannelID,
		"title":       r.Title,
		"status":      string(r.Status),
		"last_error":  r.LastError,
		"attempts":    r.Attempts,
		"created_at":  formatTime(r.CreatedAt),
		"updated_at":  formatTime(r.UpdatedAt),
		"notified_at": formatTime(r.NotifiedAt),
	}
}

func recordFromHash(videoID string, h map[string]string) *Record {
	attempts, _ := strconv.Atoi(h["attempts"])
	return &Record{
		VideoID:    videoID,
		ChannelID:  h["channel_id"],
		Title:      h["title"],
		Status:     Status(h["status"]),
		LastError:  h["last_error"],
		Attempts:   attempts,
		CreatedAt:  parseTime(h["created_at"]),
		UpdatedAt:  parseTime(h["updated_at"]),
		NotifiedAt: parseTime(h["notified_at"]),
	}
}

// hashReader is satisfied by the client and by a watching transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) readRecord(ctx context.Context, cmd hashReader, videoID string) (*Record, error) {
	h, err := cmd.HGetAll(ctx, s.recordKey(videoID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", videoID, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("record %s: %w", videoID, ErrNotFound)
	}
	return recordFromHash(videoID, h), nil
}

// update runs fn against the current record under WATCH and writes the
// result atomically, retrying when another writer got there first.
func (s *RedisStore) update(ctx context.Context, videoID string, fn func(rec *Record) error) error {
	key := s.recordKey(videoID)
	for range maxTxRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.readRecord(ctx, tx, videoID)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, recordFields(rec))
				pipe.ZAdd(ctx, s.recordsKey(), redis.Z{Score: float64(rec.UpdatedAt.UnixMicro()), Member: videoID})
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", videoID)
}

// GetOrCreate implements Store.
func (s *RedisStore) GetOrCreate(ctx context.Context, videoID, channelID, title string) (*Record, bool, error) {
	unlock := s.locks.lock(videoID)
	defer unlock()

	now := s.now().UTC()
	rec := &Record{
		VideoID:   videoID,
		ChannelID: channelID,
		Title:     title,
		Status:    StatusPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := s.recordKey(videoID)
	created := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, recordFields(rec))
			pipe.ZAdd(ctx, s.recordsKey(), redis.Z{Score: float64(now.UnixMicro()), Member: videoID})
			return nil
		})
		created = err == nil
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return nil, false, fmt.Errorf("create record %s: %w", videoID, err)
	}

	got, err := s.readRecord(ctx, s.client, videoID)
	if err != nil {
		return nil, false, err
	}
	return got, created, nil
}

// Advance implements Store.
func (s *RedisStore) Advance(ctx context.Context, videoID string, to Status, errMsg string) error {
	unlock := s.locks.lock(videoID)
	defer unlock()

	return s.update(ctx, videoID, func(rec *Record) error {
		if err := applyAdvance(rec, to, errMsg, s.now().UTC()); err != nil {
			return fmt.Errorf("advance %s: %w", videoID, err)
		}
		return nil
	})
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, videoID string) error {
	unlock := s.locks.lock(videoID)
	defer unlock()

	return s.update(ctx, videoID, func(rec *Record) error {
		if err := CanTransition(rec.Status, StatusPending).Error(); err != nil {
			return fmt.Errorf("reset %s: %w", videoID, err)
		}
		rec.Status = StatusPending
		rec.LastError = ""
		rec.Attempts = 1
		rec.UpdatedAt = s.now().UTC()
		return nil
	})
}

// IsNotified implements Store.
func (s *RedisStore) IsNotified(ctx context.Context, videoID string) (bool, error) {
	status, err := s.client.HGet(ctx, s.recordKey(videoID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", videoID, err)
	}
	return Status(status) == StatusNotified, nil
}

// Deliveries implements Store.
func (s *RedisStore) Deliveries(ctx context.Context, videoID string) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.deliveredKey(videoID)).Result()
	if err != nil {
		return nil, fmt.Errorf("deliveries %s: %w", videoID, err)
	}
	slices.Sort(names)
	return names, nil
}

// MarkDelivered implements Store.
func (s *RedisStore) MarkDelivered(ctx context.Context, videoID, notifier string) error {
	if err := s.client.SAdd(ctx, s.deliveredKey(videoID), notifier).Err(); err != nil {
		return fmt.Errorf("mark %s delivered to %s: %w", videoID, notifier, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, videoID string) (*Record, error) {
	return s.readRecord(ctx, s.client, videoID)
}

// all loads every record, most recently updated first.
func (s *RedisStore) all(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.recordsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*Record, 0, len(ids))
	for i, cmd := range cmds {
		h, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		out = append(out, recordFromHash(ids[i], h))
	}
	return out, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range recs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.ChannelID != "" && r.ChannelID != f.ChannelID {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Counts implements Store.
func (s *RedisStore) Counts(ctx context.Context) (map[Status]int, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, r := range recs {
		counts[r.Status]++
	}
	return counts, nil
}

// GetChannel implements Store.
func (s *RedisStore) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	h, err := s.client.HGetAll(ctx, s.channelKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return &Channel{
		ID:            channelID,
		Name:          h["name"],
		URL:           h["url"],
		FeedURL:       h["feed_url"],
		LastSeenAt:    parseTime(h["last_seen_at"]),
		LastVideoID:   h["last_video_id"],
		LastCheckedAt: parseTime(h["last_checked_at"]),
	}, nil
}

// SaveChannel implements Store.
func (s *RedisStore) SaveChannel(ctx context.Context, ch *Channel) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.channelKey(ch.ID), map[string]any{
			"name":            ch.Name,
			"url":             ch.URL,
			"feed_url":        ch.FeedURL,
			"last_seen_at":    formatTime(ch.LastSeenAt),
			"last_video_id":   ch.LastVideoID,
			"last_checked_at": formatTime(ch.LastCheckedAt),
		})
		pipe.SAdd(ctx, s.channelsKey(), ch.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save channel %s: %w", ch.ID, err)
	}
	return nil
}

// ListChannels implements Store.
func (s *RedisStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	ids, err := s.client.SMembers(ctx, s.channelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	slices.Sort(ids)
	out := make([]*Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}
