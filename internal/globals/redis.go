package globals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// DefaultPrefix namespaces every key and channel the redis backend uses.
const DefaultPrefix = "macrohost:globals:"

// deleted is published when a key is removed.
const deleted = "null"

// RedisClient is the part of the go-redis client the backend uses.
// *redis.Client satisfies it.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// Redis stores globals as JSON under prefix+key and announces every change
// on the channel prefix+"__events:"+key. Reads are served from a local cache
// kept current by the change stream.
type Redis struct {
	client RedisClient
	prefix string
	logger *slog.Logger
	subs   *subscribers

	mu    sync.RWMutex
	cache map[string]Value

	pubsub *redis.PubSub
	done   chan struct{}
	closed sync.Once
}

// NewRedis wraps client. Call Listen to receive changes made by other hosts.
func NewRedis(client RedisClient, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   newSubscribers(logger),
		cache:  make(map[string]Value),
	}
}

// OpenRedis connects to url, a redis:// or rediss:// URL, and starts
// listening for changes.
func OpenRedis(ctx context.Context, url, prefix string, logger *slog.Logger) (*Redis, error) {
	const op = "globals.OpenRedis"
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apierrors.Wrapf(apierrors.CodeDependency, op, err, "redis at %s", opts.Addr)
	}
	r := NewRedis(client, prefix, logger)
	if err := r.Listen(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) channel(k string) string { return r.prefix + "__events:" + k }

// Listen subscribes to the change stream. Subscribers are notified from the
// stream only, so a host sees its own writes once they round-trip.
func (r *Redis) Listen(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.channel("*"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return apierrors.Wrap(apierrors.CodeDependency, "globals.Listen", err)
	}
	r.pubsub = ps
	r.done = make(chan struct{})
	go r.listen(ps.Channel())
	return nil
}

func (r *Redis) listen(ch <-chan *redis.Message) {
	defer close(r.done)
	for msg := range ch {
		r.handleMessage(msg.Channel, msg.Payload)
	}
}

func (r *Redis) handleMessage(channel, payload string) {
	key, ok := strings.CutPrefix(channel, r.channel(""))
	if !ok {
		return
	}
	if payload == deleted {
		r.mu.Lock()
		delete(r.cache, key)
		r.mu.Unlock()
		return
	}
	var v Value
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		r.logger.Warn("ignoring malformed globals update", "key", key, "error", err)
		return
	}
	r.mu.Lock()
	r.cache[key] = v
	r.mu.Unlock()
	r.subs.notify(key, v)
}

func (r *Redis) cached(key string) (Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache[key]
	return v, ok
}

func (r *Redis) Get(ctx context.Context, key string) (Value, error) {
	const op = "globals.Get"
	if v, ok := r.cached(key); ok {
		return v, nil
	}
	data, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Value{}, notFound(op, key)
	}
	if err != nil {
		return Value{}, apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	var v Value
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return Value{}, apierrors.Wrapf(apierrors.CodeInvalidState, op, err, "global %q", key)
	}
	r.mu.Lock()
	r.cache[key] = v
	r.mu.Unlock()
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, v Value) error {
	const op = "globals.Set"
	data, err := json.Marshal(v)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
	}
	r.mu.Lock()
	r.cache[key] = v
	r.mu.Unlock()
	if err := r.client.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	if err := r.client.Publish(ctx, r.channel(key), string(data)).Err(); err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := r.cached(key); ok {
		return true, nil
	}
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, apierrors.Wrap(apierrors.CodeDependency, "globals.Exists", err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	const op = "globals.Delete"
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	if err := r.client.Publish(ctx, r.channel(key), deleted).Err(); err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	return nil
}

func (r *Redis) Subscribe(key string, fn func(string, Value)) func() {
	return r.subs.add(key, fn)
}

// Keys scans the prefix. Keys only present in the cache are included.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeDependency, "globals.Keys", err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, r.prefix)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	r.mu.RLock()
	for k := range r.cache {
		seen[k] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Close stops listening and closes the client.
func (r *Redis) Close() error {
	var err error
	r.closed.Do(func() {
		if r.pubsub != nil {
			_ = r.pubsub.Close()
			<-r.done
		}
		err = r.client.Close()
	})
	return err
}
