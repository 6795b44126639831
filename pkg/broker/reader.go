package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nao1215/projecthub/pkg/logging"
)

// MessageReader はコンシューマーグループとしてメッセージを取得するための抽象。
// *kafka.Reader がこれを満たす。
type MessageReader interface {
	// FetchMessage は次のメッセージを取得する。オフセットはコミットしない。
	FetchMessage(ctx context.Context) (kafka.Message, error)
	// CommitMessages は指定したメッセージのオフセットをコミットする。
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	// Close はリーダーを閉じる。以降のFetchMessageはio.EOFを返す。
	Close() error
}

// ReaderConfig はNewKafkaReaderの設定。
type ReaderConfig struct {
	// Brokers はブートストラップブローカーのアドレス一覧。
	Brokers []string
	// Topic は購読するトピック名。
	Topic string
	// GroupID はコンシューマーグループID。
	GroupID string
	// MinBytes は1回のフェッチで待つ最小バイト数。
	MinBytes int
	// MaxBytes は1回のフェッチで受け取る最大バイト数。
	MaxBytes int
	// MaxWait はフェッチ1回あたりの最大待ち時間。
	MaxWait time.Duration
}

// NewKafkaReader はコンシューマーグループに参加するkafka-goのReaderを生成する。
// オフセットは自動コミットせず、CommitMessagesを呼んだときだけ同期的にコミットする。
func NewKafkaReader(cfg ReaderConfig, logger *slog.Logger) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ブローカーが指定されていません")
	}
	if cfg.Topic == "" {
		return nil, errors.New("トピックが指定されていません")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("コンシューマーグループIDが指定されていません")
	}

	logger = logging.OrDefault(logger)
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger:    kafkaLogger(logger, "reader"),
	}), nil
}

// Probe はいずれかのブローカーに接続し、topicのパーティション情報を取得できるか確認する。
// 全てのブローカーで失敗した場合はそれぞれのエラーをまとめて返す。
func Probe(ctx context.Context, brokers []string, topic string) error {
	if len(brokers) == 0 {
		return errors.New("ブローカーが指定されていません")
	}

	var errs []error
	for _, b := range brokers {
		err := probeBroker(ctx, b, topic)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b, err))
	}
	return errors.Join(errs...)
}

func probeBroker(ctx context.Context, broker, topic string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("デッドラインの設定に失敗: %w", err)
		}
	}

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return fmt.Errorf("パーティション情報の取得に失敗: %w", err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("トピック %s にパーティションがありません", topic)
	}
	return nil
}

// TopicSpec はEnsureTopicで作成するトピックの設定。
type TopicSpec struct {
	// Name はトピック名。
	Name string
	// Partitions はパーティション数。
	Partitions int
	// ReplicationFactor はレプリケーション数。
	ReplicationFactor int
}

// EnsureTopic はトピックが無ければ作成する。ローカル開発環境向け。
// 既に存在する場合は何もしない。
func EnsureTopic(ctx context.Context, brokers []string, spec TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("ブローカーが指定されていません")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("コントローラーの取得に失敗: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("コントローラーへの接続に失敗: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     max(spec.Partitions, 1),
		ReplicationFactor: max(spec.ReplicationFactor, 1),
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("トピック %s の作成に失敗: %w", spec.Name, err)
	}
	return nil
}
