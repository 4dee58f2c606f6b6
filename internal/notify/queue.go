// queue.go
//
// Redis-backed async notification queue. QueuedNotifier implements Notifier and
// enqueues outcomes instead of delivering synchronously; StartWorker drains the
// queue in a background goroutine and hands each outcome to the inner Notifier.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound notification queue.
const QueueKey = "greenpoints:notify:queue"

// DefaultMaxQueueSize caps the queue when the collaborator is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Notify when the queue has reached its size cap.
var ErrQueueFull = errors.New("notification queue full")

// QueuedNotifier enqueues outcomes to Redis so the redeem request never waits
// on the notification collaborator.
type QueuedNotifier struct {
	inner        Notifier
	rdb          *redis.Client
	key          string
	maxQueueSize int64 // 0 = unlimited
}

// NewQueuedNotifier wraps inner with a Redis-backed async queue.
// maxSize caps the queue length (0 = unlimited); use DefaultMaxQueueSize for production.
func NewQueuedNotifier(inner Notifier, rdb *redis.Client, maxSize int64) *QueuedNotifier {
	return &QueuedNotifier{inner: inner, rdb: rdb, key: QueueKey, maxQueueSize: maxSize}
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Notify serializes o to JSON and appends it to the queue.
func (q *QueuedNotifier) Notify(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{q.key}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing outcome: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the queue in a loop, delivering each outcome to inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *QueuedNotifier) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil, which keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, q.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("notify worker: queue pop failed", "worker", "notify", "err", err)
			// Redis is down; avoid hammering it.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		q.dispatch(ctx, res[1])
	}
}

// dispatch decodes one payload and hands it to inner.
// Errors are logged and dropped; outcomes are advisory and the ledger is already committed.
func (q *QueuedNotifier) dispatch(ctx context.Context, payload string) {
	var o Outcome
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		slog.Error("notify worker: bad job payload", "worker", "notify", "err", err)
		return
	}
	if err := q.inner.Notify(ctx, o); err != nil {
		slog.Error("notify worker: delivery failed", "worker", "notify", "user_id", o.UserID, "kind", o.Kind, "err", err)
	}
}
