package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisJournal keeps recent submissions and outcomes with a TTL, and counts submissions per replacement uuid
type RedisJournal struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisJournal(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisJournal {
	return &RedisJournal{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *RedisJournal) submissionKey(hash common.Hash) string {
	return r.keyPrefix + "submission:" + hash.Hex()
}

func (r *RedisJournal) resolutionKey(hash common.Hash) string {
	return r.keyPrefix + "resolution:" + hash.Hex()
}

func (r *RedisJournal) replacementKey(replacementUUID string) string {
	return r.keyPrefix + "replacement:" + replacementUUID
}

func (r *RedisJournal) RecordSubmission(ctx context.Context, sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.submissionKey(sub.BundleHash), data, r.expireDuration).Err(); err != nil {
		return err
	}
	if sub.ReplacementUUID != "" {
		if _, err := r.IncReplacementCount(ctx, sub.ReplacementUUID); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisJournal) RecordResolution(ctx context.Context, res *Resolution) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.resolutionKey(res.BundleHash), data, r.expireDuration).Err()
}

func (r *RedisJournal) Submission(ctx context.Context, bundleHash common.Hash) (*Submission, error) {
	var sub Submission
	if err := r.get(ctx, r.submissionKey(bundleHash), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *RedisJournal) Resolution(ctx context.Context, bundleHash common.Hash) (*Resolution, error) {
	var res Resolution
	if err := r.get(ctx, r.resolutionKey(bundleHash), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RedisJournal) get(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrSubmissionNotFound
	} else if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// IncReplacementCount counts how many times a bundle with this replacement uuid was submitted
func (r *RedisJournal) IncReplacementCount(ctx context.Context, replacementUUID string) (uint64, error) {
	count, err := r.client.Incr(ctx, r.replacementKey(replacementUUID)).Result()
	if err != nil {
		return 0, err
	}
	// expiry failure only means the counter lives longer
	_ = r.client.Expire(ctx, r.replacementKey(replacementUUID), r.expireDuration).Err()
	return uint64(count), nil
}

func (r *RedisJournal) ReplacementCount(ctx context.Context, replacementUUID string) (uint64, error) {
	count, err := r.client.Get(ctx, r.replacementKey(replacementUUID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

// DeleteAll deletes all the keys with the journal prefix. It can be very slow and should only be used for testing.
func (r *RedisJournal) DeleteAll(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, r.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
