// redis.go -- go-redis client for change fan-out and unlock scheduling.
//
// Redis is never the source of truth: a lost publish only delays a live view,
// and a lost schedule entry is recovered by the Postgres sweep (DueUnlocks).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// scheduleKey is the sorted set of pending code issuances, scored by unlock time (unix ms).
const scheduleKey = "greenpoints:unlock:schedule"

// changeChannel is the per-user pub/sub channel for ledger changes.
func changeChannel(userID uuid.UUID) string {
	return fmt.Sprintf("greenpoints:ledger:%s", userID)
}

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup from main.go; the client is shared by broker, schedule and notify queue.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// --- Broker ---

// RedisBroker publishes ChangeEvents on per-user channels and lets the live
// hub subscribe to them. Safe for concurrent use.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker wraps an existing client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

// CheckHealth pings Redis.
func (b *RedisBroker) CheckHealth(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish sends ev to the user's channel.
func (b *RedisBroker) Publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling change: %w", err)
	}
	if err := b.rdb.Publish(ctx, changeChannel(ev.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publishing change: %w", err)
	}
	return nil
}

// Subscribe returns a channel of the user's change events. The subscription is
// confirmed before returning. Call cancel to release it; the channel closes afterwards.
func (b *RedisBroker) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan ChangeEvent, func(), error) {
	ps := b.rdb.Subscribe(ctx, changeChannel(userID))
	// Wait for the subscribe confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribing to changes: %w", err)
	}

	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed change event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
				// Subscribers only need to know something changed; a full buffer already says so.
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { ps.Close() })
	}
	return out, cancel, nil
}

// --- Schedule ---

// RedisSchedule keeps pending unlock-code issuances in a sorted set.
type RedisSchedule struct {
	rdb *redis.Client
}

// NewRedisSchedule wraps an existing client.
func NewRedisSchedule(rdb *redis.Client) *RedisSchedule {
	return &RedisSchedule{rdb: rdb}
}

func scheduleMember(u ScheduledUnlock) string {
	return u.UserID.String() + ":" + u.EntryID.String()
}

func parseScheduleMember(member string, score float64) (ScheduledUnlock, error) {
	userPart, entryPart, ok := strings.Cut(member, ":")
	if !ok {
		return ScheduledUnlock{}, fmt.Errorf("malformed schedule member %q", member)
	}
	userID, err := uuid.FromString(userPart)
	if err != nil {
		return ScheduledUnlock{}, fmt.Errorf("schedule member user id: %w", err)
	}
	entryID, err := uuid.FromString(entryPart)
	if err != nil {
		return ScheduledUnlock{}, fmt.Errorf("schedule member entry id: %w", err)
	}
	return ScheduledUnlock{UserID: userID, EntryID: entryID, At: time.UnixMilli(int64(score)).UTC()}, nil
}

// Schedule records that u should be issued at u.At. Re-scheduling the same entry overwrites the time.
func (s *RedisSchedule) Schedule(ctx context.Context, u ScheduledUnlock) error {
	err := s.rdb.ZAdd(ctx, scheduleKey, redis.Z{
		Score:  float64(u.At.UnixMilli()),
		Member: scheduleMember(u),
	}).Err()
	if err != nil {
		return fmt.Errorf("scheduling unlock: %w", err)
	}
	return nil
}

// Due returns up to limit issuances whose time is at or before now, earliest first.
// Malformed members are removed and skipped.
func (s *RedisSchedule) Due(ctx context.Context, now time.Time, limit int) ([]ScheduledUnlock, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, scheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading due unlocks: %w", err)
	}

	out := make([]ScheduledUnlock, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		u, err := parseScheduleMember(member, z.Score)
		if err != nil {
			slog.Warn("removing malformed schedule member", "member", member, "error", err)
			s.rdb.ZRem(ctx, scheduleKey, member)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Remove deletes u from the schedule. Removing an absent member is not an error.
func (s *RedisSchedule) Remove(ctx context.Context, u ScheduledUnlock) error {
	if err := s.rdb.ZRem(ctx, scheduleKey, scheduleMember(u)).Err(); err != nil {
		return fmt.Errorf("removing scheduled unlock: %w", err)
	}
	return nil
}

// Len reports how many issuances are pending.
func (s *RedisSchedule) Len(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, scheduleKey).Result()
}
