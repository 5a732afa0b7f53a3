package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"grouparchive/backend/internal/models"
)

// RunEventChannelPrefix prefixes the Pub/Sub channel of each fetch run.
const RunEventChannelPrefix = "fetch:run:"

// ErrNoRedis is returned by Redis-backed helpers when no client is configured.
var ErrNoRedis = errors.New("storage: redis is not configured")

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the lease TTL only if it is still held by the caller.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease is a cross-process credential lock for deployments running
// more than one orchestrator.
type RedisLease struct {
	Client *redis.Client
	TTL    time.Duration
}

func leaseKey(credential string) string {
	return "fetch:lease:" + credential
}

// Acquire takes the lease for credential on behalf of owner. It returns
// false when another owner holds it.
func (l *RedisLease) Acquire(ctx context.Context, credential, owner string) (bool, error) {
	return l.Client.SetNX(ctx, leaseKey(credential), owner, l.TTL).Result()
}

// Extend pushes the lease expiry forward while the owner still holds it.
func (l *RedisLease) Extend(ctx context.Context, credential, owner string) (bool, error) {
	n, err := extendScript.Run(ctx, l.Client, []string{leaseKey(credential)}, owner, l.TTL.Milliseconds()).Int64()
	return n == 1, err
}

func (l *RedisLease) Release(ctx context.Context, credential, owner string) error {
	return releaseScript.Run(ctx, l.Client, []string{leaseKey(credential)}, owner).Err()
}

// GormActivityLog stores account activity in the relational store.
type GormActivityLog struct {
	Service *Service
}

func (g *GormActivityLog) Append(ctx context.Context, entry *models.AccountActivity) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	return g.Service.DB.WithContext(ctx).Create(entry).Error
}

func (g *GormActivityLog) Since(ctx context.Context, operator string, since time.Time) ([]models.AccountActivity, error) {
	var entries []models.AccountActivity
	err := g.Service.DB.WithContext(ctx).
		Where("operator = ? AND created_at > ?", operator, since.UTC()).
		Order("created_at asc").
		Find(&entries).Error
	return entries, err
}

// RedisActivityLog keeps one sorted set per operator, scored by the action
// time in unix milliseconds. Entries older than Retention are trimmed on
// every Append; zero keeps everything.
type RedisActivityLog struct {
	Client    *redis.Client
	Retention time.Duration
}

func activityKey(operator string) string {
	return "account:activity:" + operator
}

type activityMember struct {
	Nonce string                `json:"nonce"`
	Entry models.AccountActivity `json:"entry"`
}

func (r *RedisActivityLog) Append(ctx context.Context, entry *models.AccountActivity) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	member, err := json.Marshal(activityMember{Nonce: uuid.New().String(), Entry: *entry})
	if err != nil {
		return err
	}
	key := activityKey(entry.Operator)
	if err := r.Client.ZAdd(ctx, key, redis.Z{
		Score:  float64(entry.CreatedAt.UnixMilli()),
		Member: string(member),
	}).Err(); err != nil {
		return err
	}
	if r.Retention <= 0 {
		return nil
	}
	cutoff := entry.CreatedAt.Add(-r.Retention).UnixMilli()
	return r.Client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err()
}

func (r *RedisActivityLog) Since(ctx context.Context, operator string, since time.Time) ([]models.AccountActivity, error) {
	raw, err := r.Client.ZRangeByScore(ctx, activityKey(operator), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]models.AccountActivity, 0, len(raw))
	for _, m := range raw {
		var am activityMember
		if err := json.Unmarshal([]byte(m), &am); err != nil {
			return nil, fmt.Errorf("storage: decode activity entry: %w", err)
		}
		// Scores are millisecond-truncated; the entry keeps full precision.
		if !am.Entry.CreatedAt.After(since) {
			continue
		}
		entries = append(entries, am.Entry)
	}
	return entries, nil
}

// PublishRunEvent publishes an encoded run event on the run's channel.
func (s *Service) PublishRunEvent(ctx context.Context, runID string, payload []byte) error {
	if s.Redis == nil {
		return ErrNoRedis
	}
	return s.Redis.Publish(ctx, RunEventChannelPrefix+runID, payload).Err()
}

// SubscribeToRunEvents listens on every run channel.
func (s *Service) SubscribeToRunEvents(ctx context.Context) *redis.PubSub {
	return s.Redis.PSubscribe(ctx, RunEventChannelPrefix+"*")
}
