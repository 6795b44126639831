// API Gatewayのエントリポイント。
// 外部からのリクエストを受け付け、認証後に各サービスへルーティングする。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/projecthub/internal/config"
	"github.com/nao1215/projecthub/internal/gateway"
	"github.com/nao1215/projecthub/pkg/authz"
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
	cfg, err := config.Load(config.ServiceGateway)
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

	users, err := gateway.OpenUserStore(ctx, cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("ユーザーストアの初期化に失敗しました", slog.Any("error", err))
		return 1
	}
	defer users.Close()

	if cfg.Gateway.DevTokenEnabled {
		logger.Warn("開発用トークンの発行が有効です。本番環境では無効にしてください")
	}

	gate := authz.NewGate(cfg.Security.JWTSecret, nil, logger)
	server := gateway.NewServer(cfg.Service.Port, gateway.Options{
		ProjectURL:      cfg.Gateway.ProjectURL,
		NotificationURL: cfg.Gateway.NotificationURL,
		AllowedOrigins:  cfg.Gateway.AllowedOrigins,
		DevTokenEnabled: cfg.Gateway.DevTokenEnabled,
		TokenSecret:     cfg.Security.JWTSecret,
		TokenTTL:        cfg.Security.TokenTTL,
		HealthTimeout:   cfg.Gateway.HealthTimeout,
	}, gate, users, logger)

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run() }()
	logger.Info("API Gatewayを起動します", slog.String("port", cfg.Service.Port))

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
	return exitCode
}
