package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafkaGO "github.com/segmentio/kafka-go"

	"spikewatch/internal/market"
)

func sampleEvent() market.AlertEvent {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	return market.AlertEvent{ID: market.AlertID("BTCUSDT", ts), Symbol: "BTCUSDT", ChangePct: 8, Price: 108, Timestamp: ts}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Deliver(context.Background(), Render(sampleEvent(), false)); err != nil {
		t.Fatalf("Telegram Deliver 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if text, _ := received["text"].(string); !strings.Contains(text, "BTCUSDT") {
		t.Fatalf("text 应包含交易对: %#v", received)
	}
	if received["disable_notification"] != true {
		t.Fatalf("sound=false 时应静音推送: %#v", received)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Deliver(context.Background(), Render(sampleEvent(), true)); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRender(t *testing.T) {
	note := Render(sampleEvent(), true)
	if note.Title != "▲ BTCUSDT +8.00%" {
		t.Fatalf("标题不正确: %q", note.Title)
	}
	if !strings.Contains(note.Body, "Price: 108.0000") || !strings.Contains(note.Body, "2026-05-01T12:00:00Z") {
		t.Fatalf("正文不正确: %q", note.Body)
	}

	down := sampleEvent()
	down.ChangePct = -5.5
	down.Price = 0.0123
	note = Render(down, true)
	if note.Title != "▼ BTCUSDT -5.50%" || !strings.Contains(note.Body, "0.01230000") {
		t.Fatalf("下跌告警渲染不正确: %q / %q", note.Title, note.Body)
	}
}

type fakeWriter struct {
	msgs []kafkaGO.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkaGO.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifierPublishesJSON(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, "spike_alerts", testLogger())
	if err := n.Deliver(context.Background(), Render(sampleEvent(), true)); err != nil {
		t.Fatalf("Deliver 应成功: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "BTCUSDT" {
		t.Fatalf("消息 key 不正确: %#v", w.msgs)
	}
	var got kafkaAlert
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("消息体应为 JSON: %v", err)
	}
	if got.ID != sampleEvent().ID || got.ChangePct != 8 {
		t.Fatalf("消息内容不正确: %#v", got)
	}
}

type failing struct{ calls int }

func (f *failing) Deliver(context.Context, Notification) error {
	f.calls++
	return errors.New("down")
}

type counting struct{ calls int }

func (c *counting) Deliver(context.Context, Notification) error {
	c.calls++
	return nil
}

func TestMultiDeliversToAll(t *testing.T) {
	bad := &failing{}
	good := &counting{}
	err := Multi{bad, good}.Deliver(context.Background(), Render(sampleEvent(), true))
	if err == nil {
		t.Fatal("应返回失败通道的错误")
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Fatalf("每个通道都应被调用一次: bad=%d good=%d", bad.calls, good.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
