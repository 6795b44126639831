// Package logging は全サービス共通のslogロガーを構築する。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config はロガーの設定を表す。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string
	// Format は出力形式（json または text）。
	Format string
	// AddSource はログに呼び出し元のソース位置を含めるかどうか。
	AddSource bool
}

// ParseLevel は文字列のログレベルをslog.Levelに変換する。不明な値はinfoとして扱う。
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "dbg":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は設定に従ってslog.Loggerを生成する。wがnilの場合は標準出力に書き込む。
func New(w io.Writer, cfg Config) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// OrDefault はloggerがnilの場合にslog.Default()を返す。
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
