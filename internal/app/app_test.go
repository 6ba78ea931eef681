package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func pointsEvery(n int, step time.Duration) []market.PricePoint {
	out := make([]market.PricePoint, n)
	for i := range out {
		out[i] = market.PricePoint{Timestamp: base.Add(time.Duration(i) * step).UnixMilli(), Price: float64(100 + i)}
	}
	return out
}

func TestDownsamplePointsKeepsEnds(t *testing.T) {
	points := pointsEvery(100, time.Second)
	got := downsamplePoints(points, 10)
	if len(got) != 10 {
		t.Fatalf("期望 10 个点, 实际 %d", len(got))
	}
	if got[0] != points[0] || got[9] != points[99] {
		t.Fatalf("首尾点应保留: %v ... %v", got[0], got[9])
	}
	if short := downsamplePoints(points[:5], 10); len(short) != 5 {
		t.Fatalf("点数不足时不应降采样, 实际 %d", len(short))
	}
}

func TestFilterAlertsRangeAndSymbol(t *testing.T) {
	alerts := []market.AlertEvent{
		{ID: "ETHUSDT-3", Symbol: "ETHUSDT", Timestamp: base.Add(3 * time.Minute).UnixMilli()},
		{ID: "BTCUSDT-2", Symbol: "BTCUSDT", Timestamp: base.Add(2 * time.Minute).UnixMilli()},
		{ID: "BTCUSDT-1", Symbol: "BTCUSDT", Timestamp: base.Add(time.Minute).UnixMilli()},
		{ID: "BTCUSDT-0", Symbol: "BTCUSDT", Timestamp: base.UnixMilli()},
	}

	from := base.Add(time.Minute)
	to := base.Add(3 * time.Minute)
	got := filterAlerts(alerts, from, to, symbolFilter([]string{"btcusdt"}))
	if len(got) != 2 || got[0].ID != "BTCUSDT-1" || got[1].ID != "BTCUSDT-2" {
		t.Fatalf("过滤结果不正确 (应按时间升序): %#v", got)
	}

	all := filterAlerts(alerts, time.Time{}, time.Time{}, nil)
	if len(all) != 4 {
		t.Fatalf("无过滤条件时应返回全部, 实际 %d", len(all))
	}
}

func TestWriteAlertsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "alerts.csv")
	alerts := []market.AlertEvent{{ID: "BTCUSDT-1", Symbol: "BTCUSDT", ChangePct: 8, Price: 108, Timestamp: base.UnixMilli()}}
	if err := writeAlertsCSV(path, alerts); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("期望表头加一行, 实际 %d 行", len(records))
	}
	if records[1][1] != "BTCUSDT" || records[1][2] != "8.0000" || records[1][3] != "108" {
		t.Fatalf("CSV 内容不正确: %v", records[1])
	}
}

func TestHistorySeriesSkipsSparseSymbols(t *testing.T) {
	h := market.History{
		"BTCUSDT": pointsEvery(50, time.Second),
		"ETHUSDT": pointsEvery(1, time.Second),
	}
	series := historySeries(h, time.Time{}, time.Time{}, nil, 20)
	if len(series) != 1 || series[0].Symbol != "BTCUSDT" || len(series[0].Points) != 20 {
		t.Fatalf("序列不正确: %#v", series)
	}
}

func TestRenderShow(t *testing.T) {
	alerts := []market.AlertEvent{
		{ID: "ETHUSDT-2", Symbol: "ETHUSDT", ChangePct: -9.5, Price: 3000, Timestamp: base.Add(2 * time.Minute).UnixMilli()},
		{ID: "BTCUSDT-1", Symbol: "BTCUSDT", ChangePct: 8, Price: 108, Timestamp: base.Add(time.Minute).UnixMilli()},
		{ID: "BTCUSDT-0", Symbol: "BTCUSDT", ChangePct: 7.5, Price: 107.5, Timestamp: base.UnixMilli()},
	}
	h := market.History{"BTCUSDT": {{Timestamp: base.UnixMilli(), Price: 100}, {Timestamp: base.Add(time.Minute).UnixMilli(), Price: 110}}}

	var buf bytes.Buffer
	if err := renderShow(&buf, alerts, h, ShowOptions{Limit: 1, Symbol: "btcusdt"}); err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "BTCUSDT-1") || strings.Contains(out, "BTCUSDT-0") || strings.Contains(out, "ETHUSDT") {
		t.Fatalf("limit/symbol 过滤不正确:\n%s", out)
	}
	if !strings.Contains(out, "10.00") {
		t.Fatalf("窗口涨幅应为 10.00%%:\n%s", out)
	}
}

func TestRunSimulation(t *testing.T) {
	repo := storage.NewRepository(storage.NewMemory(), zerolog.Nop())
	p := pipeline.New(repo, zerolog.Nop(), nil)
	d := pipeline.NewDispatcher(nil, zerolog.Nop(), nil)
	s := settings.Settings{
		Symbols:         []string{"BTCUSDT"},
		ThresholdPct:    7,
		WindowMinutes:   8,
		CooldownMinutes: 4,
	}.Normalize()

	prices := []float64{100, 108, 109, 95}
	ticks := make([]market.Tick, len(prices))
	for i, price := range prices {
		ticks[i] = market.Tick{Symbol: "BTCUSDT", Price: price, Timestamp: base.Add(time.Duration(i) * time.Minute), Source: "simulate"}
	}

	var buf bytes.Buffer
	fired, err := runSimulation(context.Background(), &buf, p, d, s, ticks)
	if err != nil {
		t.Fatalf("模拟失败: %v", err)
	}
	if fired != 1 {
		t.Fatalf("期望 1 条告警, 实际 %d\n%s", fired, buf.String())
	}
	out := buf.String()
	if !strings.Contains(out, "cooling") || !strings.Contains(out, "below_threshold") {
		t.Fatalf("输出应包含抑制原因:\n%s", out)
	}
}
