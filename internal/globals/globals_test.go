package globals

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
)

func TestConversions(t *testing.T) {
	t.Run("as string", func(t *testing.T) {
		tests := []struct {
			v    Value
			want string
		}{
			{String("x"), "x"},
			{Integer(-4), "-4"},
			{Float(1.5), "1.5"},
			{Boolean(true), "true"},
			{RawJSON(`{"a":1}`), `{"a":1}`},
		}
		for _, tt := range tests {
			got, ok := tt.v.AsString()
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		}
		_, ok := Binary([]byte{1}).AsString()
		assert.False(t, ok)
	})

	t.Run("as integer", func(t *testing.T) {
		i, ok := Float(3.9).AsInteger()
		assert.True(t, ok)
		assert.Equal(t, int64(3), i)
		i, ok = String("42").AsInteger()
		assert.True(t, ok)
		assert.Equal(t, int64(42), i)
		i, ok = Boolean(true).AsInteger()
		assert.True(t, ok)
		assert.Equal(t, int64(1), i)
		_, ok = String("forty").AsInteger()
		assert.False(t, ok)
	})

	t.Run("as float", func(t *testing.T) {
		f, ok := Integer(2).AsFloat()
		assert.True(t, ok)
		assert.Equal(t, 2.0, f)
		f, ok = String("0.25").AsFloat()
		assert.True(t, ok)
		assert.Equal(t, 0.25, f)
		_, ok = RawJSON("[]").AsFloat()
		assert.False(t, ok)
	})

	t.Run("as boolean", func(t *testing.T) {
		for _, s := range []string{"true", "YES", "1", "on"} {
			b, ok := String(s).AsBoolean()
			assert.True(t, ok, s)
			assert.True(t, b, s)
		}
		for _, s := range []string{"false", "no", "0", "Off"} {
			b, ok := String(s).AsBoolean()
			assert.True(t, ok, s)
			assert.False(t, b, s)
		}
		_, ok := String("maybe").AsBoolean()
		assert.False(t, ok)
		b, ok := Float(0.1).AsBoolean()
		assert.True(t, ok)
		assert.True(t, b)
	})

	t.Run("as binary", func(t *testing.T) {
		b, ok := String("hi").AsBinary()
		assert.True(t, ok)
		assert.Equal(t, []byte("hi"), b)
		_, ok = Integer(1).AsBinary()
		assert.False(t, ok)
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		kind    string
		text    string
		want    Value
		wantErr bool
	}{
		{"", "hello", String("hello"), false},
		{"int", " 12 ", Integer(12), false},
		{"float", "2.5", Float(2.5), false},
		{"bool", "on", Boolean(true), false},
		{"json", `{"a":[1,2]}`, RawJSON(`{"a":[1,2]}`), false},
		{"bytes", "ab", Binary([]byte("ab")), false},
		{"int", "1.5", Value{}, true},
		{"bool", "perhaps", Value{}, true},
		{"json", "{", Value{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.text, func(t *testing.T) {
			kind, err := ParseKind(tt.kind)
			require.NoError(t, err)
			got, err := Parse(kind, tt.text)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apierrors.ErrInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("matrix")
	assert.True(t, errors.Is(err, apierrors.ErrInvalidArgument))
}

func TestValueJSON(t *testing.T) {
	for _, v := range []Value{
		String("s"), Integer(1 << 40), Float(-0.5), Boolean(false),
		Binary([]byte{0, 255}), RawJSON(`{"k":"v"}`),
	} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var back Value
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, v, back, string(data))
	}

	data, err := json.Marshal(Integer(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"integer","value":7}`, string(data))

	v, err := JSON(map[string]int{"n": 1})
	require.NoError(t, err)
	var m map[string]int
	require.NoError(t, v.Decode(&m))
	assert.Equal(t, 1, m["n"])
	assert.True(t, errors.Is(String("x").Decode(&m), apierrors.ErrInvalidArgument))
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(nil)

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, apierrors.ErrNotFound))

	var (
		mu   sync.Mutex
		seen []Value
	)
	cancel := s.Subscribe("count", func(key string, v Value) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "count", key)
		seen = append(seen, v)
	})
	s.Subscribe("count", func(string, Value) { panic("subscriber bug") })

	require.NoError(t, s.Set(ctx, "count", Integer(1)))
	require.NoError(t, s.Set(ctx, "other", String("x")))
	ok, err := s.Exists(ctx, "count")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, Integer(1), v)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "other"}, keys)

	cancel()
	cancel()
	require.NoError(t, s.Set(ctx, "count", Integer(2)))
	assert.Equal(t, []Value{Integer(1)}, seen)
	assert.Equal(t, 1, s.subs.count("count"))

	require.NoError(t, s.Delete(ctx, "count"))
	require.NoError(t, s.Delete(ctx, "count"))
	ok, err = s.Exists(ctx, "count")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Close())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "local", "", "", nil)
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	_, err = Open(ctx, "redis", "", "", nil)
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
	_, err = Open(ctx, "redis", "not a url", "", nil)
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
	_, err = Open(ctx, "mqtt", "", "", nil)
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
}

// fakeRedis records commands against an in-memory keyspace.
type fakeRedis struct {
	mu        sync.Mutex
	data      map[string]string
	published []string
	fail      error
	closed    bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: make(map[string]string)} }

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.fail)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStringResult("", f.fail)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStatusResult("", f.fail)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, f.fail)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), f.fail)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+" "+message.(string))
	return redis.NewIntResult(1, f.fail)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return redis.NewScanCmdResult(keys, 0, f.fail)
}

func (f *fakeRedis) PSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	panic("not used by these tests")
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedis(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	r := NewRedis(client, "", nil)

	require.NoError(t, r.Set(ctx, "mode", String("away")))
	assert.Contains(t, client.data, "macrohost:globals:mode")
	require.Len(t, client.published, 1)
	assert.True(t, strings.HasPrefix(client.published[0], "macrohost:globals:__events:mode {"))

	v, err := r.Get(ctx, "mode")
	require.NoError(t, err)
	assert.Equal(t, String("away"), v)

	t.Run("reads through to redis", func(t *testing.T) {
		data, err := json.Marshal(Integer(9))
		require.NoError(t, err)
		client.data["macrohost:globals:remote"] = string(data)

		v, err := r.Get(ctx, "remote")
		require.NoError(t, err)
		assert.Equal(t, Integer(9), v)

		ok, err := r.Exists(ctx, "remote")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = r.Get(ctx, "nothing")
		assert.True(t, errors.Is(err, apierrors.ErrNotFound))
	})

	t.Run("keys", func(t *testing.T) {
		keys, err := r.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"mode", "remote"}, keys)
	})

	t.Run("delete publishes null", func(t *testing.T) {
		require.NoError(t, r.Delete(ctx, "mode"))
		assert.Equal(t, "macrohost:globals:__events:mode null", client.published[len(client.published)-1])
		ok, err := r.Exists(ctx, "mode")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("change stream", func(t *testing.T) {
		var got []Value
		r.Subscribe("door", func(key string, v Value) { got = append(got, v) })

		r.handleMessage("macrohost:globals:__events:door", `{"kind":"boolean","value":true}`)
		r.handleMessage("macrohost:globals:__events:door", `garbage`)
		r.handleMessage("elsewhere:door", `{"kind":"boolean","value":false}`)
		assert.Equal(t, []Value{Boolean(true)}, got)

		v, err := r.Get(ctx, "door")
		require.NoError(t, err)
		assert.Equal(t, Boolean(true), v)

		r.handleMessage("macrohost:globals:__events:door", "null")
		_, ok := r.cached("door")
		assert.False(t, ok)
	})

	t.Run("backend errors", func(t *testing.T) {
		client.fail = errors.New("connection refused")
		defer func() { client.fail = nil }()
		assert.True(t, errors.Is(r.Set(ctx, "x", String("y")), apierrors.ErrDependency))
		_, err := r.Get(ctx, "uncached")
		assert.True(t, errors.Is(err, apierrors.ErrDependency))
		_, err = r.Keys(ctx)
		assert.True(t, errors.Is(err, apierrors.ErrDependency))
	})

	require.NoError(t, r.Close())
	assert.True(t, client.closed)
}
