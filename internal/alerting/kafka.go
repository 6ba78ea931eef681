package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkaGO "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkaGO.Message) error
	Close() error
}

// KafkaNotifier publishes alert events as JSON records keyed by symbol.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaNotifier builds a writer for topic on the given brokers.
func NewKafkaNotifier(brokers []string, topic string, logger zerolog.Logger) *KafkaNotifier {
	w := &kafkaGO.Writer{
		Addr:         kafkaGO.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkaGO.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkaGO.RequireOne,
	}
	return newKafkaNotifier(w, topic, logger)
}

func newKafkaNotifier(w messageWriter, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "alert_kafka").Str("topic", topic).Logger(),
	}
}

type kafkaAlert struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	ChangePct float64 `json:"change_pct"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
}

// Deliver writes one record.
func (n *KafkaNotifier) Deliver(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(kafkaAlert{
		ID:        note.Event.ID,
		Symbol:    note.Event.Symbol,
		ChangePct: note.Event.ChangePct,
		Price:     note.Event.Price,
		Timestamp: note.Event.Timestamp,
		Title:     note.Title,
		Body:      note.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal kafka alert: %w", err)
	}

	msg := kafkaGO.Message{
		Key:   []byte(note.Event.Symbol),
		Value: payload,
		Time:  note.Event.Time(),
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	n.logger.Debug().Str("alert_id", note.Event.ID).Msg("alert published")
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
