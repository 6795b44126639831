// プロジェクトサービスのエントリポイント。
// プロジェクト・タスク・成果物の変更を受け付け、変更のコミット後に
// 通知イベントをブローカーへ発行する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/projecthub/internal/config"
	"github.com/nao1215/projecthub/internal/project"
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
	cfg, err := config.Load(config.ServiceProject)
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

	store, err := project.OpenStore(ctx, cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("プロジェクトストアの初期化に失敗しました", slog.Any("error", err))
		return 1
	}
	defer store.Close()

	if cfg.Kafka.AutoCreateTopic {
		if err := broker.EnsureTopic(ctx, cfg.Kafka.Brokers, broker.TopicSpec{
			Name:              cfg.Kafka.Topic,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
		}); err != nil {
			logger.Warn("トピックの作成に失敗しました", slog.String("topic", cfg.Kafka.Topic), slog.Any("error", err))
		}
	}

	producer, err := broker.NewKafkaProducer(broker.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
	}, logger)
	if err != nil {
		logger.Error("Kafkaプロデューサーの初期化に失敗しました", slog.Any("error", err))
		return 1
	}

	gate := authz.NewGate(cfg.Security.JWTSecret, store, logger)
	server := project.NewServer(cfg.Service.Port, gate, store, producer, logger)

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run() }()
	logger.Info("プロジェクトサービスを起動します",
		slog.String("port", cfg.Service.Port),
		slog.String("topic", cfg.Kafka.Topic),
	)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("停止シグナルを受信しました")
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
	// 処理中のリクエストが発行したイベントを送り切ってから閉じる
	if err := producer.Close(); err != nil {
		logger.Error("Kafkaプロデューサーの停止に失敗しました", slog.Any("error", err))
		exitCode = 1
	}

	logger.Info("プロジェクトサービスを停止しました", slog.Any("producer_stats", producer.Stats()))
	return exitCode
}
