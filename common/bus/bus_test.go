package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/runloop/common/logger"
)

type testEvent struct {
	kind string
	n    int
}

func (e *testEvent) EventType() string { return e.kind }

func newTestBus() *Bus {
	return New(logger.New("error", "text"))
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	b := newTestBus()
	got := []int{}
	b.Subscribe("tick", func(ctx context.Context, ev Event) error {
		got = append(got, ev.(*testEvent).n)
		return nil
	})
	b.Subscribe("tick", func(ctx context.Context, ev Event) error {
		got = append(got, ev.(*testEvent).n*10)
		return nil
	})
	b.Subscribe("tock", func(ctx context.Context, ev Event) error {
		t.Fatal("wrong type delivered")
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), &testEvent{kind: "tick", n: 7}))
	assert.Equal(t, []int{7, 70}, got)
}

func TestPublish_MiddlewareBlocksWithNil(t *testing.T) {
	b := newTestBus()
	b.Use(func(ctx context.Context, ev Event) (Event, error) {
		if ev.EventType() == "blocked" {
			return nil, nil
		}
		return ev, nil
	})

	delivered := 0
	b.Subscribe("blocked", func(ctx context.Context, ev Event) error {
		delivered++
		return nil
	})
	b.Subscribe("open", func(ctx context.Context, ev Event) error {
		delivered++
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), &testEvent{kind: "blocked"}))
	assert.Zero(t, delivered)

	require.NoError(t, b.Publish(context.Background(), &testEvent{kind: "open"}))
	assert.Equal(t, 1, delivered)
}

func TestPublish_MiddlewareCanReplaceEvent(t *testing.T) {
	b := newTestBus()
	b.Use(func(ctx context.Context, ev Event) (Event, error) {
		return &testEvent{kind: ev.EventType(), n: 42}, nil
	})

	var seen int
	b.Subscribe("tick", func(ctx context.Context, ev Event) error {
		seen = ev.(*testEvent).n
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), &testEvent{kind: "tick", n: 1}))
	assert.Equal(t, 42, seen)
}

func TestPublish_MiddlewareErrorSurfaces(t *testing.T) {
	b := newTestBus()
	b.Use(func(ctx context.Context, ev Event) (Event, error) {
		return nil, errors.New("policy says no")
	})

	err := b.Publish(context.Background(), &testEvent{kind: "tick"})
	assert.Error(t, err)
}

func TestPublish_HandlerErrorDoesNotStopFanOut(t *testing.T) {
	b := newTestBus()
	second := false
	b.Subscribe("tick", func(ctx context.Context, ev Event) error {
		return errors.New("handler broke")
	})
	b.Subscribe("tick", func(ctx context.Context, ev Event) error {
		second = true
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), &testEvent{kind: "tick"}))
	assert.True(t, second)
}

func TestPublish_NoSubscribersIsFine(t *testing.T) {
	b := newTestBus()
	assert.NoError(t, b.Publish(context.Background(), &testEvent{kind: "nobody_home"}))
}
