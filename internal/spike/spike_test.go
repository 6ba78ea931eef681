package spike

import (
	"math"
	"reflect"
	"testing"
	"time"

	"spikewatch/internal/market"
	"spikewatch/internal/settings"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pt(offset time.Duration, price float64) market.PricePoint {
	return market.PricePoint{Timestamp: t0.Add(offset).UnixMilli(), Price: price}
}

func TestComputeEmptyHistory(t *testing.T) {
	for _, p := range []float64{0, 1, 123.45} {
		c := Compute(nil, p)
		if c.ChangePct != 0 || c.Direction != market.DirectionFlat {
			t.Fatalf("empty history should yield 0 change, got %+v", c)
		}
	}
}

func TestComputeAgainstOldest(t *testing.T) {
	points := []market.PricePoint{pt(0, 100), pt(time.Minute, 120)}

	cases := []struct {
		latest float64
		pct    float64
		dir    market.Direction
	}{
		{108, 8, market.DirectionUp},
		{95, -5, market.DirectionDown},
		{100.005, 0.005, market.DirectionFlat},
	}
	for _, tc := range cases {
		c := Compute(points, tc.latest)
		if math.Abs(c.ChangePct-tc.pct) > 1e-9 {
			t.Fatalf("latest %v: pct %v, want %v", tc.latest, c.ChangePct, tc.pct)
		}
		if c.Direction != tc.dir {
			t.Fatalf("latest %v: dir %s, want %s", tc.latest, c.Direction, tc.dir)
		}
		if c.Baseline != 100 {
			t.Fatalf("baseline should be oldest point, got %v", c.Baseline)
		}
	}
}

func TestComputeZeroBaseline(t *testing.T) {
	c := Compute([]market.PricePoint{pt(0, 0)}, 10)
	if c.ChangePct != 0 {
		t.Fatalf("zero baseline must yield 0, got %v", c.ChangePct)
	}
}

func TestComputeDeterministic(t *testing.T) {
	points := []market.PricePoint{pt(0, 3), pt(time.Second, 7)}
	if !reflect.DeepEqual(Compute(points, 5), Compute(points, 5)) {
		t.Fatal("Compute must be deterministic")
	}
}

func TestAppendOrdering(t *testing.T) {
	h := market.History{}
	Append(h, "BTCUSDT", pt(2*time.Second, 2))
	Append(h, "BTCUSDT", pt(0, 0))
	Append(h, "BTCUSDT", pt(3*time.Second, 3))
	Append(h, "BTCUSDT", pt(time.Second, 1))
	Append(h, "BTCUSDT", pt(time.Second, 1.5))

	got := h["BTCUSDT"]
	want := []float64{0, 1, 1.5, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Price != want[i] {
			t.Fatalf("index %d: price %v, want %v (%+v)", i, got[i].Price, want[i], got)
		}
	}
}

func TestPruneWindowAndIdempotence(t *testing.T) {
	h := market.History{}
	for i := 0; i < 10; i++ {
		Append(h, "ETHUSDT", pt(time.Duration(i)*time.Minute, float64(i)))
	}
	now := t0.Add(9 * time.Minute)

	Prune(h, "ETHUSDT", now, 5*time.Minute)
	once := append([]market.PricePoint(nil), h["ETHUSDT"]...)
	Prune(h, "ETHUSDT", now, 5*time.Minute)

	if !reflect.DeepEqual(once, h["ETHUSDT"]) {
		t.Fatal("prune must be idempotent")
	}
	if len(once) != 6 || once[0].Price != 4 {
		t.Fatalf("expected points 4..9 retained, got %+v", once)
	}
	cutoff := now.Add(-5 * time.Minute).UnixMilli()
	for _, p := range once {
		if p.Timestamp < cutoff {
			t.Fatalf("point %+v older than cutoff", p)
		}
	}
}

func TestPruneRemovesEmptySymbol(t *testing.T) {
	h := market.History{}
	Append(h, "XRPUSDT", pt(0, 1))
	Prune(h, "XRPUSDT", t0.Add(time.Hour), time.Minute)
	if _, ok := h["XRPUSDT"]; ok {
		t.Fatal("fully pruned symbol should be removed")
	}
}

func TestPruneAllUsesEffectiveWindow(t *testing.T) {
	long := 60
	s := settings.Settings{
		WindowMinutes: 5,
		SymbolRules:   map[string]settings.RuleOverride{"SOLUSDT": {WindowMinutes: &long}},
	}
	h := market.History{}
	Append(h, "BTCUSDT", pt(0, 1))
	Append(h, "SOLUSDT", pt(0, 1))

	PruneAll(h, s, t0.Add(10*time.Minute))

	if _, ok := h["BTCUSDT"]; ok {
		t.Fatal("BTCUSDT should age out under the 5m global window")
	}
	if len(h["SOLUSDT"]) != 1 {
		t.Fatal("SOLUSDT should survive its 60m override window")
	}
}

func gateSettings() settings.Settings {
	return settings.Settings{ThresholdPct: 5, WindowMinutes: 10, CooldownMinutes: 4}
}

func TestGateCooldownBoundary(t *testing.T) {
	cooldown := 4 * time.Minute
	spikeChange := Change{ChangePct: 6, Direction: market.DirectionUp}

	cases := []struct {
		name  string
		gap   time.Duration
		fires int
	}{
		{"inside cooldown", cooldown - time.Millisecond, 1},
		{"after cooldown", cooldown + time.Millisecond, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(gateSettings())
			last := market.LastAlertAt{}
			fired := 0
			for _, at := range []time.Time{t0, t0.Add(tc.gap)} {
				if _, d := g.Evaluate("BTCUSDT", spikeChange, 106, at, last); d == DecisionFired {
					fired++
				}
			}
			if fired != tc.fires {
				t.Fatalf("fired %d alerts, want %d", fired, tc.fires)
			}
		})
	}
}

func TestGateZeroCooldownKeepsIDsUnique(t *testing.T) {
	s := gateSettings()
	s.CooldownMinutes = 0
	g := NewGate(s)
	last := market.LastAlertAt{}
	spikeChange := Change{ChangePct: 6, Direction: market.DirectionUp}

	first, d := g.Evaluate("BTCUSDT", spikeChange, 106, t0, last)
	if d != DecisionFired {
		t.Fatalf("first decision = %s", d)
	}
	if _, d := g.Evaluate("BTCUSDT", spikeChange, 107, t0, last); d != DecisionCooling {
		t.Fatalf("same-millisecond repeat must not fire, decision = %s", d)
	}
	next, d := g.Evaluate("BTCUSDT", spikeChange, 107, t0.Add(time.Millisecond), last)
	if d != DecisionFired {
		t.Fatalf("zero cooldown should fire on the next millisecond, decision = %s", d)
	}
	if next.ID == first.ID {
		t.Fatalf("duplicate alert id %s", next.ID)
	}
}

func TestGateBelowThresholdLeavesState(t *testing.T) {
	g := NewGate(gateSettings())
	last := market.LastAlertAt{}
	_, d := g.Evaluate("BTCUSDT", Change{ChangePct: -4.99}, 95, t0, last)
	if d != DecisionBelowThreshold {
		t.Fatalf("decision = %s", d)
	}
	if len(last) != 0 {
		t.Fatal("below threshold must not touch lastAlertAt")
	}
}

func TestGateEventFields(t *testing.T) {
	g := NewGate(gateSettings())
	last := market.LastAlertAt{}
	ev, d := g.Evaluate("BTCUSDT", Change{ChangePct: -7}, 93, t0, last)
	if d != DecisionFired {
		t.Fatalf("decision = %s", d)
	}
	if ev.ID != market.AlertID("BTCUSDT", t0.UnixMilli()) || ev.Price != 93 || ev.ChangePct != -7 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if last["BTCUSDT"] != t0.UnixMilli() {
		t.Fatal("lastAlertAt not updated")
	}
	if until := g.CoolingUntil("BTCUSDT", t0.Add(time.Minute), last); !until.Equal(t0.Add(4 * time.Minute)) {
		t.Fatalf("CoolingUntil = %v", until)
	}
	if until := g.CoolingUntil("BTCUSDT", t0.Add(5*time.Minute), last); !until.IsZero() {
		t.Fatal("cooldown should have elapsed")
	}
}
