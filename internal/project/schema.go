package project

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/projecthub/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// initSchema はSQLiteデータベースにマイグレーションを適用する。
func initSchema(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
