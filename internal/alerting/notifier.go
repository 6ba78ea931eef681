package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
)

// Notification 封装一次告警推送的内容。
type Notification struct {
	Title string
	Body  string
	Sound bool
	Event market.AlertEvent
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Deliver(ctx context.Context, note Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Deliver 调用 sendMessage API 推送文本。静音通知使用 disable_notification。
func (n *TelegramNotifier) Deliver(ctx context.Context, note Notification) error {
	payload := map[string]any{
		"chat_id":              n.chatID,
		"text":                 note.Title + "\n" + note.Body,
		"disable_notification": !note.Sound,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("alert_id", note.Event.ID).
		Str("symbol", note.Event.Symbol).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 将告警写入结构化日志。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Deliver 输出一条 warn 级别日志。
func (n *LogNotifier) Deliver(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("alert_id", note.Event.ID).
		Str("symbol", note.Event.Symbol).
		Float64("change_pct", note.Event.ChangePct).
		Float64("price", note.Event.Price).
		Bool("sound", note.Sound).
		Msg(note.Title)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Deliver attempts every notifier even when an earlier one fails.
func (m Multi) Deliver(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Deliver(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
