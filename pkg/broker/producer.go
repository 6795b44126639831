package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nao1215/projecthub/pkg/event"
	"github.com/nao1215/projecthub/pkg/logging"
)

// ErrPublishFailed はイベントをブローカーへ渡せなかったことを表す。
var ErrPublishFailed = errors.New("イベントの発行に失敗しました")

const (
	headerEventType     = "event_type"
	headerEventID       = "event_id"
	headerSchemaVersion = "schema_version"
)

// MessageWriter はKafkaへメッセージを書き込むための抽象。
// *kafka.Writer がこれを満たす。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig はKafkaProducerの設定。
type ProducerConfig struct {
	// Brokers はブートストラップブローカーのアドレス一覧。
	Brokers []string
	// Topic は書き込み先のトピック名。
	Topic string
	// BatchTimeout はバッチを送信するまでの最大待ち時間。
	BatchTimeout time.Duration
	// WriteTimeout はブローカーへの書き込み1回あたりのタイムアウト。
	WriteTimeout time.Duration
	// MaxAttempts は配送失敗時の最大試行回数。
	MaxAttempts int
}

// ProducerStats はProducerの配送結果の集計。
type ProducerStats struct {
	// Enqueued はWriterへ受け渡したイベント数。
	Enqueued uint64 `json:"enqueued"`
	// Delivered はブローカーが受領を確認したイベント数。
	Delivered uint64 `json:"delivered"`
	// Failed は受け渡しまたは配送に失敗したイベント数。
	Failed uint64 `json:"failed"`
}

// Producer はイベントエンベロープをKafkaへ発行する。
type Producer struct {
	writer MessageWriter
	logger *slog.Logger

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaProducer はkafka-goの非同期Writerを使うProducerを生成する。
func NewKafkaProducer(cfg ProducerConfig, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ブローカーが指定されていません")
	}
	if cfg.Topic == "" {
		return nil, errors.New("トピックが指定されていません")
	}

	p := &Producer{logger: logging.OrDefault(logger)}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Completion:   p.complete,
		ErrorLogger:  kafkaLogger(p.logger, "writer"),
	}
	return p, nil
}

// NewProducer は任意のMessageWriterを使うProducerを生成する。
func NewProducer(w MessageWriter, logger *slog.Logger) *Producer {
	return &Producer{writer: w, logger: logging.OrDefault(logger)}
}

// Publish はイベントをエンコードしてWriterへ受け渡す。
// 呼び出し元のキャンセルとは切り離して書き込むため、コミット後にクライアントが
// 切断してもイベントは失われない。失敗時のエラーはErrPublishFailedをラップする。
func (p *Producer) Publish(ctx context.Context, env event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(env.SubjectUserID),
		Value: data,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(env.EventType)},
			{Key: headerEventID, Value: []byte(env.EventID)},
			{Key: headerSchemaVersion, Value: []byte(strconv.Itoa(max(env.SchemaVersion, event.CurrentSchemaVersion)))},
		},
	}

	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.failed.Add(1)
		p.logger.Error("イベントの発行に失敗しました",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType.String()),
			slog.String("subject_user_id", env.SubjectUserID),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	p.enqueued.Add(1)
	p.logger.Debug("イベントを発行しました",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType.String()),
		slog.String("subject_user_id", env.SubjectUserID),
	)
	return nil
}

// complete は非同期Writerの配送結果を受け取る。
func (p *Producer) complete(msgs []kafka.Message, err error) {
	if err == nil {
		p.delivered.Add(uint64(len(msgs)))
		return
	}

	p.failed.Add(uint64(len(msgs)))
	for _, m := range msgs {
		p.logger.Error("イベントの配送に失敗しました",
			slog.String("topic", m.Topic),
			slog.String("key", string(m.Key)),
			slog.String("event_id", headerValue(m, headerEventID)),
			slog.String("event_type", headerValue(m, headerEventType)),
			slog.Any("error", err),
		)
	}
}

// Stats は配送結果の集計を返す。
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Enqueued:  p.enqueued.Load(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close は未送信のメッセージを送信してからWriterを閉じる。
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("Writerのクローズに失敗: %w", err)
	}
	return nil
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// kafkaLogger はkafka-goのエラーログをslogへ流すロガーを返す。
func kafkaLogger(logger *slog.Logger, component string) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...any) {
		logger.Error(fmt.Sprintf(msg, args...), slog.String("component", "kafka-"+component))
	})
}
