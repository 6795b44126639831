// 通知サービスのエントリポイント。
// ブローカーのトピックを購読するコンシューマーと、保存済みの通知を返す
// HTTP APIを同じプロセスで動かす。コンシューマーが致命的なエラーで停止した場合は
// 非ゼロの終了コードで終了する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/projecthub/internal/config"
	"github.com/nao1215/projecthub/internal/notification"
	"github.com/nao1215/projecthub/pkg/authz"
	"github.com/nao1215/projecthub/pkg/broker"
	"github.com/nao1215/projecthub/pkg/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg, err := config.Load(config.ServiceNotification)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := logging.New(os.Stdout, logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	}).With(slog.String("service", cfg.Service.Name))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Kafka.AutoCreateTopic {
		if err := broker.EnsureTopic(ctx, cfg.Kafka.Brokers, broker.TopicSpec{
			Name:              cfg.Kafka.Topic,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
		}); err != nil {
			logger.Warn("トピックの作成に失敗しました", slog.String("topic", cfg.Kafka.Topic), slog.Any("error", err))
		}
	}

	// 読み取りAPIとコンシューマーはそれぞれ別の接続プールを使う
	apiStore, err := notification.OpenStore(ctx, cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("通知ストアの初期化に失敗しました", slog.Any("error", err))
		return 1
	}
	defer apiStore.Close()

	consumerStore, err := notification.OpenStore(ctx, cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("通知ストアの初期化に失敗しました", slog.Any("error", err))
		return 1
	}
	defer consumerStore.Close()

	reader, err := broker.NewKafkaReader(broker.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: cfg.Kafka.MinBytes,
		MaxBytes: cfg.Kafka.MaxBytes,
		MaxWait:  cfg.Kafka.MaxWait,
	}, logger)
	if err != nil {
		logger.Error("Kafkaリーダーの初期化に失敗しました", slog.Any("error", err))
		return 1
	}

	consumer := notification.NewConsumer(reader, consumerStore, notification.ConsumerConfig{
		Topic:          cfg.Kafka.Topic,
		PollInterval:   cfg.Consumer.PollInterval,
		MaxBackoff:     cfg.Consumer.MaxBackoff,
		PersistTimeout: cfg.Consumer.PersistTimeout,
		CommitTimeout:  cfg.Consumer.CommitTimeout,
		StartupTimeout: cfg.Consumer.StartupTimeout,
		Probe: func(ctx context.Context) error {
			return broker.Probe(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		},
	}, logger)

	gate := authz.NewGate(cfg.Security.JWTSecret, nil, logger)
	server := notification.NewServer(cfg.Service.Port, gate, apiStore, consumer, logger)

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run() }()

	logger.Info("通知サービスを起動します",
		slog.String("port", cfg.Service.Port),
		slog.String("topic", cfg.Kafka.Topic),
		slog.String("group_id", cfg.Kafka.GroupID),
	)

	exitCode := 0
	consumerStopped := false
	var consumerErr error
	select {
	case <-ctx.Done():
		logger.Info("停止シグナルを受信しました")
	case consumerErr = <-consumerDone:
		consumerStopped = true
	case err := <-serverDone:
		if err != nil {
			logger.Error("HTTPサーバーが異常終了しました", slog.Any("error", err))
			exitCode = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTPサーバーの停止に失敗しました", slog.Any("error", err))
		exitCode = 1
	}
	if !consumerStopped {
		select {
		case consumerErr = <-consumerDone:
		case <-shutdownCtx.Done():
			logger.Warn("コンシューマーの停止を待たずに終了します")
		}
	}

	if consumerErr != nil {
		logger.Error("通知コンシューマーが致命的なエラーで停止しました", slog.Any("error", consumerErr))
		exitCode = 1
	}
	logger.Info("通知サービスを停止しました", slog.Any("consumer_stats", consumer.Stats()))
	return exitCode
}
