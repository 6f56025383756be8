// Package redisqueue is a leased job queue on Redis. Pending jobs sit in a
// list; a claim moves the payload into a hash keyed by receipt and records the
// lease deadline in a sorted set. Only claims whose deadline has passed are
// returned to the list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
)

const (
	defaultLeaseTTL = 60 * time.Second
	pollInterval    = 100 * time.Millisecond
)

// KEYS: pending, claims, leases. ARGV: receipt, deadline ms.
var claimScript = redis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
	return false
end
redis.call('HSET', KEYS[2], ARGV[1], raw)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return raw
`)

// KEYS: claims, leases. ARGV: receipt.
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// KEYS: leases. ARGV: receipt, deadline ms.
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: leases, claims, pending. ARGV: now ms.
var requeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, receipt in ipairs(expired) do
	local raw = redis.call('HGET', KEYS[2], receipt)
	if raw then
		redis.call('RPUSH', KEYS[3], raw)
	end
	redis.call('HDEL', KEYS[2], receipt)
	redis.call('ZREM', KEYS[1], receipt)
end
return #expired
`)

type Queue struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	leaseTTL     time.Duration
	now          func() time.Time
}

// Dial parses a redis:// URL and checks the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func New(client *redis.Client, key string, blockTimeout, leaseTTL time.Duration) *Queue {
	if key == "" {
		key = "orchestrator:jobs"
	}
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &Queue{
		client:       client,
		key:          key,
		blockTimeout: blockTimeout,
		leaseTTL:     leaseTTL,
		now:          time.Now,
	}
}

func (q *Queue) pendingKey() string { return q.key + ":pending" }
func (q *Queue) claimsKey() string  { return q.key + ":claims" }
func (q *Queue) leasesKey() string  { return q.key + ":leases" }

func (q *Queue) deadline() string {
	return strconv.FormatInt(q.now().Add(q.leaseTTL).UnixMilli(), 10)
}

func (q *Queue) Enqueue(ctx context.Context, job orchestrator.Job) error {
	job.Receipt = ""
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("lpush job: %w", err)
	}
	return nil
}

// Claim polls for up to the block timeout and returns orchestrator.ErrNoJob
// when nothing arrived. The returned job holds a lease of leaseTTL.
func (q *Queue) Claim(ctx context.Context) (orchestrator.Job, error) {
	giveUp := time.Now().Add(q.blockTimeout)
	for {
		receipt := uuid.NewString()
		raw, err := claimScript.Run(ctx, q.client,
			[]string{q.pendingKey(), q.claimsKey(), q.leasesKey()},
			receipt, q.deadline(),
		).Result()
		switch {
		case err == nil:
			return q.decode(ctx, receipt, raw)
		case !errors.Is(err, redis.Nil):
			return orchestrator.Job{}, fmt.Errorf("claim job: %w", err)
		}

		wait := time.Until(giveUp)
		if wait <= 0 {
			return orchestrator.Job{}, orchestrator.ErrNoJob
		}
		if wait > pollInterval {
			wait = pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return orchestrator.Job{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) decode(ctx context.Context, receipt string, raw any) (orchestrator.Job, error) {
	payload, _ := raw.(string)
	var job orchestrator.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.InvocationID == "" {
		slog.Warn("dropping malformed job", "payload", payload, "error", err)
		_ = q.release(ctx, receipt)
		return orchestrator.Job{}, orchestrator.ErrNoJob
	}
	job.Receipt = receipt
	return job, nil
}

func (q *Queue) release(ctx context.Context, receipt string) error {
	return ackScript.Run(ctx, q.client, []string{q.claimsKey(), q.leasesKey()}, receipt).Err()
}

func (q *Queue) Ack(ctx context.Context, job orchestrator.Job) error {
	if job.Receipt == "" {
		return fmt.Errorf("ack %s: missing receipt", job.InvocationID)
	}
	if err := q.release(ctx, job.Receipt); err != nil {
		return fmt.Errorf("ack %s: %w", job.InvocationID, err)
	}
	return nil
}

// Extend pushes the lease deadline of a held claim out by leaseTTL. It
// returns orchestrator.ErrLeaseLost when the claim is no longer held.
func (q *Queue) Extend(ctx context.Context, job orchestrator.Job) error {
	if job.Receipt == "" {
		return fmt.Errorf("extend %s: missing receipt", job.InvocationID)
	}
	held, err := extendScript.Run(ctx, q.client, []string{q.leasesKey()}, job.Receipt, q.deadline()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", job.InvocationID, err)
	}
	if held == 0 {
		return orchestrator.ErrLeaseLost
	}
	return nil
}

// RequeueExpired moves claims whose lease deadline has passed back to the
// head of the pending list. Live claims are left alone.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.leasesKey(), q.claimsKey(), q.pendingKey()},
		now,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return int(n), nil
}

// Depth reports pending jobs and jobs held under a lease.
func (q *Queue) Depth(ctx context.Context) (pending, inflight int64, err error) {
	if pending, err = q.client.LLen(ctx, q.pendingKey()).Result(); err != nil {
		return 0, 0, err
	}
	if inflight, err = q.client.ZCard(ctx, q.leasesKey()).Result(); err != nil {
		return 0, 0, err
	}
	return pending, inflight, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
