package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("interval=0 应返回 ErrInvalidInterval, 实际 %v", err)
	}
}

func TestRunImmediateAndRepeats(t *testing.T) {
	s, err := New(Options{Interval: 20 * time.Millisecond, Immediate: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()

	err = s.Run(ctx, func(ctx context.Context, at time.Time) error {
		calls.Add(1)
		return errors.New("boom")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run 应在 ctx 结束后返回, 实际 %v", err)
	}
	if n := calls.Load(); n < 3 {
		t.Fatalf("tick 至少应执行 3 次 (含立即执行), 实际 %d", n)
	}
}

func TestRunCancelledDuringStartupDelay(t *testing.T) {
	s, _ := New(Options{Interval: time.Second, StartupDelay: time.Hour, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	if err := s.Run(ctx, func(context.Context, time.Time) error { called = true; return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回 context.Canceled, 实际 %v", err)
	}
	if called {
		t.Fatal("启动延迟期间取消不应执行 tick")
	}
}

func TestAlignedNextTick(t *testing.T) {
	s, _ := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个时间点不正确: %v", got)
	}
}
