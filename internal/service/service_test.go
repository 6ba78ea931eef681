package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/alerting"
	"spikewatch/internal/market"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
	"spikewatch/internal/transport"
)

var base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testSettings(symbols ...string) settings.Settings {
	return settings.Settings{
		Symbols:           symbols,
		ThresholdPct:      5,
		WindowMinutes:     5,
		CooldownMinutes:   10,
		UseStreaming:      true,
		BackgroundEnabled: true,
		BackgroundNotify:  true,
	}.Normalize()
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Deliver(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

// scriptedSource emits its batches once and then idles until cancelled.
type scriptedSource struct {
	batches [][]market.Tick
	state   transport.State
	mu      sync.Mutex
	stopped chan struct{}
}

func (s *scriptedSource) Run(ctx context.Context, sink transport.Sink) error {
	s.mu.Lock()
	s.state = transport.StateConnected
	s.mu.Unlock()
	for _, b := range s.batches {
		sink(ctx, b)
	}
	<-ctx.Done()
	close(s.stopped)
	return ctx.Err()
}

func (s *scriptedSource) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *scriptedSource) Mode() string { return transport.ModeStreaming }

func TestForegroundProcessesAndReconfigures(t *testing.T) {
	repo := storage.NewRepository(storage.NewMemory(), zerolog.Nop())
	notifier := &recordingNotifier{}
	p := pipeline.New(repo, zerolog.Nop(), nil)
	d := pipeline.NewDispatcher(notifier, zerolog.Nop(), nil)

	var mu sync.Mutex
	var seen []settings.Settings
	var sources []*scriptedSource
	factory := func(s settings.Settings, _ transport.StateFunc) transport.Source {
		mu.Lock()
		defer mu.Unlock()
		src := &scriptedSource{stopped: make(chan struct{})}
		if len(seen) == 0 {
			src.batches = [][]market.Tick{
				{{Symbol: "BTCUSDT", Price: 100, Timestamp: base, Source: "test"}},
				{{Symbol: "BTCUSDT", Price: 110, Timestamp: base.Add(time.Minute), Source: "test"}},
			}
		}
		seen = append(seen, s)
		sources = append(sources, src)
		return src
	}

	fg := NewForeground(testSettings("BTCUSDT"), repo, p, d, factory, nil, ForegroundOptions{PruneInterval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fg.Run(ctx) }()

	waitFor(t, func() bool { return notifier.count() == 1 })
	if st := fg.Status(); st.State != "connected" || st.Mode != transport.ModeStreaming {
		t.Fatalf("状态不正确: %#v", st)
	}
	if q := fg.Quotes(); len(q) != 1 || q[0].Symbol != "BTCUSDT" {
		t.Fatalf("行情视图不正确: %#v", q)
	}

	fg.Reconfigure(testSettings("ETHUSDT"))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	first := sources[0]
	second := seen[1]
	mu.Unlock()
	select {
	case <-first.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("重新配置时旧连接应被关闭")
	}
	if len(second.Symbols) != 1 || second.Symbols[0] != "ETHUSDT" {
		t.Fatalf("新会话应使用新配置: %#v", second.Symbols)
	}
	if fg.Settings().Symbols[0] != "ETHUSDT" {
		t.Fatalf("Settings 应更新: %#v", fg.Settings().Symbols)
	}
	stored, ok, err := repo.LoadSettings(context.Background())
	if err != nil || !ok || stored.Symbols[0] != "ETHUSDT" {
		t.Fatalf("配置快照应被持久化: %#v ok=%v err=%v", stored.Symbols, ok, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run 应正常结束: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 Run 应返回")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

type fakeFetcher struct {
	ticks []market.Tick
	err   error
}

func (f fakeFetcher) FetchOnce(context.Context) ([]market.Tick, error) {
	return f.ticks, f.err
}

func staticLoader(s settings.Settings) SettingsLoader {
	return func(context.Context) (settings.Settings, error) { return s, nil }
}

func newBackground(kv storage.KV, s settings.Settings, f TickFetcher, n alerting.Notifier) *Background {
	repo := storage.NewRepository(kv, zerolog.Nop())
	d := pipeline.NewDispatcher(n, zerolog.Nop(), nil)
	b := NewBackground(repo, staticLoader(s), func(settings.Settings) TickFetcher { return f }, d, nil, BackgroundOptions{LockKey: 1}, zerolog.Nop())
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	return b
}

func TestBackgroundRunOnceProcessesAndNotifies(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	repo := storage.NewRepository(kv, zerolog.Nop())
	_ = repo.SaveHistory(ctx, market.History{"BTCUSDT": {{Timestamp: base.UnixMilli(), Price: 100}}})

	n := &recordingNotifier{}
	b := newBackground(kv, testSettings("BTCUSDT"), fakeFetcher{ticks: []market.Tick{
		{Symbol: "BTCUSDT", Price: 107, Timestamp: base.Add(time.Minute)},
	}}, n)

	report, err := b.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Outcome != OutcomeProcessed || len(report.Alerts) != 1 || report.Delivered != 1 {
		t.Fatalf("报告不正确: %#v", report)
	}
	if n.count() != 1 {
		t.Fatalf("应推送一次, 实际 %d", n.count())
	}
	alerts, _ := repo.LoadAlerts(ctx)
	if len(alerts) != 1 {
		t.Fatalf("告警应持久化: %#v", alerts)
	}

	// the next invocation sees the persisted cooldown
	report, err = b.RunOnce(ctx)
	if err != nil || len(report.Alerts) != 0 {
		t.Fatalf("冷却期内不应重复告警: %#v err=%v", report, err)
	}
}

func TestBackgroundStatusView(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	_ = storage.NewRepository(kv, zerolog.Nop()).SaveHistory(ctx, market.History{"BTCUSDT": {{Timestamp: base.UnixMilli(), Price: 100}}})
	b := newBackground(kv, testSettings("BTCUSDT"), fakeFetcher{ticks: []market.Tick{
		{Symbol: "BTCUSDT", Price: 110, Timestamp: base.Add(time.Minute)},
	}}, &recordingNotifier{})

	if st := b.Status(); st.Mode != ModeBackground || st.State != "idle" {
		t.Fatalf("运行前状态不正确: %#v", st)
	}

	if _, err := b.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	st := b.Status()
	if st.State != string(OutcomeProcessed) || len(st.Symbols) != 1 || st.Symbols[0] != "BTCUSDT" {
		t.Fatalf("运行后状态不正确: %#v", st)
	}
	quotes := b.Quotes()
	if len(quotes) != 1 || quotes[0].Price != 110 || quotes[0].Direction != market.DirectionUp {
		t.Fatalf("行情视图不正确: %#v", quotes)
	}
	if alerts := b.Alerts(ctx); len(alerts) != 1 || alerts[0].Symbol != "BTCUSDT" {
		t.Fatalf("告警列表应来自存储: %#v", alerts)
	}
}

func TestBackgroundRespectsNotifyPolicy(t *testing.T) {
	s := testSettings("BTCUSDT")
	s.BackgroundNotify = false
	n := &recordingNotifier{}
	kv := storage.NewMemory()
	_ = storage.NewRepository(kv, zerolog.Nop()).SaveHistory(context.Background(), market.History{"BTCUSDT": {{Timestamp: base.UnixMilli(), Price: 100}}})
	b := newBackground(kv, s, fakeFetcher{ticks: []market.Tick{{Symbol: "BTCUSDT", Price: 120, Timestamp: base.Add(time.Minute)}}}, n)

	report, err := b.RunOnce(context.Background())
	if err != nil || len(report.Alerts) != 1 {
		t.Fatalf("告警仍应记录: %#v err=%v", report, err)
	}
	if n.count() != 0 || report.Delivered != 0 {
		t.Fatalf("background.notify=false 时不应推送: %d", n.count())
	}
}

func TestBackgroundDisabled(t *testing.T) {
	s := testSettings("BTCUSDT")
	s.BackgroundEnabled = false
	b := newBackground(storage.NewMemory(), s, fakeFetcher{err: errors.New("should not be called")}, &recordingNotifier{})

	report, err := b.RunOnce(context.Background())
	if err != nil || report.Outcome != OutcomeDisabled {
		t.Fatalf("禁用时应直接成功返回: %#v err=%v", report, err)
	}
}

func TestBackgroundFetchFailureIsNoData(t *testing.T) {
	b := newBackground(storage.NewMemory(), testSettings("BTCUSDT"), fakeFetcher{err: errors.New("timeout")}, &recordingNotifier{})

	report, err := b.RunOnce(context.Background())
	if err != nil || report.Outcome != OutcomeNoData {
		t.Fatalf("拉取失败应视为无数据: %#v err=%v", report, err)
	}
}

func TestBackgroundLoaderFailure(t *testing.T) {
	repo := storage.NewRepository(storage.NewMemory(), zerolog.Nop())
	b := NewBackground(repo, func(context.Context) (settings.Settings, error) {
		return settings.Settings{}, errors.New("bad config")
	}, nil, pipeline.NewDispatcher(nil, zerolog.Nop(), nil), nil, BackgroundOptions{}, zerolog.Nop())

	report, err := b.RunOnce(context.Background())
	if err == nil || report.Outcome != OutcomeFailed {
		t.Fatalf("配置加载失败应报错: %#v err=%v", report, err)
	}
}

type lockedKV struct {
	*storage.Memory
}

func (lockedKV) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestBackgroundSkipsWhenLocked(t *testing.T) {
	b := newBackground(lockedKV{storage.NewMemory()}, testSettings("BTCUSDT"), fakeFetcher{err: errors.New("should not be called")}, &recordingNotifier{})

	report, err := b.RunOnce(context.Background())
	if err != nil || report.Outcome != OutcomeLocked {
		t.Fatalf("锁被占用时应跳过: %#v err=%v", report, err)
	}
}
