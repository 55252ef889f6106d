package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the hash keys and the change channel.
	Prefix string
}

// Redis is a Store backed by one hash per partition. Changes are
// published on a channel so every process sharing the server sees them.
type Redis struct {
	client  *redis.Client
	prefix  string
	notify  *notifier
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Once
}

func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Prefix == "" {
		opts.Prefix = "apiforward"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}

	r := &Redis{
		client: client,
		prefix: opts.Prefix,
		notify: newNotifier(),
		done:   make(chan struct{}),
	}
	r.pubsub = client.Subscribe(ctx, r.channel())
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel(), err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.listen(listenCtx)
	slog.Info("Redis store connected", slog.String("addr", opts.Addr), slog.String("prefix", opts.Prefix))
	return r, nil
}

func (r *Redis) key(p Partition) string {
	return r.prefix + ":" + string(p)
}

func (r *Redis) channel() string {
	return r.prefix + ":changes"
}

func (r *Redis) listen(ctx context.Context) {
	defer close(r.done)
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				slog.Warn("Invalid change notification", slog.Any("error", err))
				continue
			}
			r.notify.publish(c)
		}
	}
}

func (r *Redis) Get(ctx context.Context, p Partition, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, r.key(p), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", r.key(p), err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = json.RawMessage(s)
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, p Partition, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = string(v)
	}
	if err := r.client.HSet(ctx, r.key(p), fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", r.key(p), err)
	}
	for k, v := range values {
		payload, err := json.Marshal(announce(p, k, v))
		if err != nil {
			continue
		}
		if err := r.client.Publish(ctx, r.channel(), payload).Err(); err != nil {
			slog.Warn("Publish change failed", slog.String("key", k), slog.Any("error", err))
		}
	}
	return nil
}

func (r *Redis) Subscribe() (<-chan Change, func()) {
	return r.notify.subscribe()
}

func (r *Redis) Close() error {
	var err error
	r.closeMu.Do(func() {
		r.cancel()
		_ = r.pubsub.Close()
		<-r.done
		r.notify.close()
		err = r.client.Close()
	})
	return err
}
