package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_InvalidSpec(t *testing.T) {
	s := New(context.Background())
	err := s.Register(Job{Name: "bad", Spec: "every now and then", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)

	err = s.Register(Job{Name: "nil", Spec: "@every 1s"})
	assert.Error(t, err)
}

func TestRegister_Next(t *testing.T) {
	s := New(context.Background())
	require.NoError(t, s.Register(Job{Name: "tick", Spec: "*/5 * * * * *", Run: func(context.Context) error { return nil }}))
	s.Start()
	defer s.Stop()

	next, ok := s.Next("tick")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), next, 6*time.Second)

	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestWrap_AppliesTimeout(t *testing.T) {
	s := New(context.Background())
	var sawDeadline atomic.Bool
	run := s.wrap(Job{Name: "bounded", Timeout: time.Second, Run: func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return errors.New("fails are logged, not raised")
	}})
	run()
	assert.True(t, sawDeadline.Load())
}

func TestScheduler_RunsAndRecoversPanics(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "flaky", Spec: "@every 1s", Run: func(context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run explodes")
		}
		return nil
	}}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}
