package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskx/internal/config"
	"taskx/internal/domain"
	"taskx/internal/queue"
	"taskx/internal/registry"
)

func setup(t *testing.T) (*queue.SQLStore, *registry.Registry, *Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURI = "sqlite:///" + filepath.Join(t.TempDir(), "engine.db")
	store, err := queue.Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	return store, reg, New(store, reg)
}

func TestTick_Idle(t *testing.T) {
	_, _, e := setup(t)
	assert.NoError(t, e.Tick(context.Background()))
}

func TestTick_SendEmailCompletes(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	var gotTo any
	reg.Register("send_email", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		gotTo = kwargs["to"]
		return map[string]string{"status": "sent"}, nil
	})

	id, err := store.Append(ctx, "send_email", domain.Payload{"to": "a@b.com"}, time.Time{})
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))
	assert.Equal(t, "a@b.com", gotTo)

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, inv.Done)
	assert.JSONEq(t, `{"status":"sent"}`, string(inv.Output))
	assert.NotNil(t, inv.CompletedAt)
	assert.Zero(t, inv.RetryCount)
}

func TestTick_FlakySucceedsOnThirdCall(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	var calls int
	reg.Register("flaky", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("not yet")
		}
		return map[string]int{"call": calls}, nil
	})

	id, err := store.Append(ctx, "flaky", nil, time.Time{})
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, e.Tick(ctx))
	}

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.RetryCount)
	assert.True(t, inv.Done)
	assert.JSONEq(t, `{"call":3}`, string(inv.Output))
	assert.Equal(t, "not yet", inv.Failure())
}

func TestTick_AlwaysFailsIsExhausted(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	var calls atomic.Int32
	reg.Register("always_fails", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	})

	id, err := store.Append(ctx, "always_fails", nil, time.Time{})
	require.NoError(t, err)

	for range 4 {
		require.NoError(t, e.Tick(ctx))
	}
	assert.Equal(t, int32(3), calls.Load())

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.RetryCount)
	assert.False(t, inv.Done)
	assert.True(t, inv.Exhausted)

	_, err = store.ClaimNext(ctx, time.Now())
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestTick_UnknownTaskPushedBack(t *testing.T) {
	ctx := context.Background()
	store, _, e := setup(t)

	id, err := store.Append(ctx, "unregistered_name", domain.Payload{}, time.Time{})
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.RetryCount)
	assert.False(t, inv.Done)
	assert.False(t, inv.Claimed)
	assert.Contains(t, inv.Failure(), "unknown task")
	assert.Contains(t, inv.Failure(), "unregistered_name")
}

func TestTick_PanicIsAFailure(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	reg.Register("explodes", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		panic("kaboom")
	})
	id, err := store.Append(ctx, "explodes", nil, time.Time{})
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.RetryCount)
	assert.Equal(t, "panic: kaboom", inv.Failure())
}

func TestTick_FutureRowLeftAlone(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	var calls atomic.Int32
	reg.Register("later", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	id, err := store.Append(ctx, "later", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))
	assert.Zero(t, calls.Load())

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, inv.Claimed)

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, e.Tick(ctx))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTick_ConcurrentTicksRunOnce(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	var calls atomic.Int32
	reg.Register("send_email", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "ok", nil
	})
	id, err := store.Append(ctx, "send_email", nil, time.Time{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Tick(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, inv.Done)
	assert.JSONEq(t, `"ok"`, string(inv.Output))
}

type failingRepo struct {
	queue.Repository
}

func (failingRepo) ClaimNext(ctx context.Context, now time.Time) (*domain.Invocation, error) {
	return nil, errors.New("database is locked")
}

func TestTick_StorageErrorReturned(t *testing.T) {
	e := New(failingRepo{}, registry.New())
	err := e.Tick(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestTick_UnencodableResultPushedBack(t *testing.T) {
	ctx := context.Background()
	store, reg, e := setup(t)

	var calls atomic.Int32
	reg.Register("ratio", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		calls.Add(1)
		return map[string]float64{"ratio": math.NaN()}, nil
	})
	id, err := store.Append(ctx, "ratio", nil, time.Time{})
	require.NoError(t, err)

	for range 4 {
		require.NoError(t, e.Tick(ctx))
	}
	assert.Equal(t, int32(3), calls.Load())

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, inv.Claimed)
	assert.False(t, inv.Done)
	assert.Equal(t, 3, inv.RetryCount)
	assert.Equal(t, domain.StateExhausted, inv.State())
	assert.Contains(t, inv.Failure(), "unsupported value")
}

type completeFails struct {
	queue.Repository
}

func (completeFails) Complete(ctx context.Context, inv *domain.Invocation, result any) error {
	return errors.New("disk full")
}

func TestTick_FailedCompletionReleasesRow(t *testing.T) {
	ctx := context.Background()
	store, reg, _ := setup(t)
	e := New(completeFails{store}, reg)

	reg.Register("send_email", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		return "sent", nil
	})
	id, err := store.Append(ctx, "send_email", nil, time.Time{})
	require.NoError(t, err)

	assert.ErrorContains(t, e.Tick(ctx), "disk full")

	inv, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, inv.Claimed)
	assert.Equal(t, 1, inv.RetryCount)
	assert.Equal(t, "disk full", inv.Failure())

	claimed, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, claimed.ID)
}
