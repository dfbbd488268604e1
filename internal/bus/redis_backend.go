package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over a single Redis instance, mirroring
// the channel-naming and queue-with-TTL idioms the original assistant
// used (PUBLISH/SUBSCRIBE for events, RPUSH+EXPIRE / BLPOP for durable
// per-tenant queues, SETNX for compare-and-set claims).
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend dials addr (host:port) and returns a ready Backend.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity, used at startup and by the health check.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *RedisBackend) Subscribe(ctx context.Context, topicPrefix string) (<-chan Event, func(), error) {
	pubsub := r.client.PSubscribe(ctx, topicPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 100)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for msg := range ch {
			select {
			case out <- Event{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

func (r *RedisBackend) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisBackend) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) KVSetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// KVCompareAndSwap runs swap inside a WATCH/MULTI optimistic transaction:
// the GET that feeds swap and the SET it may request are one atomic unit
// as far as any other client touching key is concerned. The loop below
// retries the whole transaction on redis.TxFailedErr, i.e. whenever key
// changed between the WATCH and the EXEC, so swap must tolerate being
// invoked again.
func (r *RedisBackend) KVCompareAndSwap(ctx context.Context, key string, ttl time.Duration, swap func(current []byte, exists bool) ([]byte, bool)) (bool, error) {
	for {
		applied := false
		txf := func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists, err = false, nil
			}
			if err != nil {
				return err
			}
			newValue, ok := swap(val, exists)
			if !ok {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newValue, ttl)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
}

func (r *RedisBackend) KVDel(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisBackend) KVList(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (r *RedisBackend) QueuePush(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// QueuePop drains at most one item, blocking up to wait if the queue is
// currently empty (Redis BLPOP), matching the drain-atomically contract
// the /replies endpoint requires.
func (r *RedisBackend) QueuePop(ctx context.Context, key string, wait time.Duration) ([]byte, bool, error) {
	res, err := r.client.BLPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(res) < 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}
