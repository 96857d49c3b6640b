package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskx/internal/domain"
	"taskx/internal/scheduler"
)

func TestRegistry_RunPassesKwargs(t *testing.T) {
	r := New()
	r.Register("send_email", func(ctx context.Context, kwargs domain.Payload) (any, error) {
		return map[string]any{"status": "sent", "to": kwargs["to"]}, nil
	})

	out, err := r.Run(context.Background(), "send_email", json.RawMessage(`{"to":"a@b.com"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "sent", "to": "a@b.com"}, out)
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := New()
	r.Register("task", func(ctx context.Context, kwargs domain.Payload) (any, error) { return "first", nil })
	r.Register("task", func(ctx context.Context, kwargs domain.Payload) (any, error) { return "second", nil })

	out, err := r.Run(context.Background(), "task", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, []string{"task"}, r.Names())
}

func TestRegistry_UnknownTask(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), "unregistered_name", json.RawMessage(`{}`))

	var unknown *UnknownTaskError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "unregistered_name", unknown.Name)
	assert.Contains(t, err.Error(), "unknown task")
	assert.False(t, r.Has("unregistered_name"))
}

func TestRegistry_ErrorPropagatesUnchanged(t *testing.T) {
	sentinel := errors.New("smtp down")
	r := New()
	r.Register("flaky", func(ctx context.Context, kwargs domain.Payload) (any, error) { return nil, sentinel })

	_, err := r.Run(context.Background(), "flaky", nil)
	assert.Same(t, sentinel, err)
}

func TestRegistry_BadPayload(t *testing.T) {
	r := New()
	r.Register("task", func(ctx context.Context, kwargs domain.Payload) (any, error) { return nil, nil })

	_, err := r.Run(context.Background(), "task", json.RawMessage(`"not an object"`))
	assert.Error(t, err)
}

func TestRegistry_CronAndDateOrder(t *testing.T) {
	r := New()
	noop := func(ctx context.Context) (any, error) { return nil, nil }
	r.RegisterCron("a", scheduler.CronTrigger{Hour: "1"}, noop)
	r.RegisterCron("b", scheduler.CronTrigger{Hour: "2"}, noop)
	r.RegisterCron("a", scheduler.CronTrigger{Hour: "3"}, noop)
	r.RegisterDate("once", scheduler.DateTrigger{}, noop)

	crons := r.Crons()
	require.Len(t, crons, 3)
	assert.Equal(t, "a", crons[0].Name)
	assert.Equal(t, "b", crons[1].Name)
	assert.Equal(t, "3", crons[2].Trigger.Hour)

	dates := r.Dates()
	require.Len(t, dates, 1)
	assert.Equal(t, "once", dates[0].Name)
}

type emailArgs struct {
	To      string `json:"to"`
	Retries int    `json:"retries"`
}

func TestTyped(t *testing.T) {
	r := New()
	r.Register("send_email", Typed(func(ctx context.Context, args emailArgs) (map[string]string, error) {
		return map[string]string{"to": args.To}, nil
	}))

	out, err := r.Run(context.Background(), "send_email", json.RawMessage(`{"to":"a@b.com","retries":2}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"to": "a@b.com"}, out)

	_, err = r.Run(context.Background(), "send_email", json.RawMessage(`{"retries":"two"}`))
	assert.Error(t, err)
}
