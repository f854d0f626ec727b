package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/fmtmentor/server/internal/db"
	"go.uber.org/zap"
)

// OpenTestDB connects to DATABASE_URL and applies the embedded migrations.
// Callers skip when the variable is unset.
func OpenTestDB(ctx context.Context, log *zap.Logger) (*sql.DB, error) {
	database, err := db.Open(ctx, os.Getenv("DATABASE_URL"), log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// TruncateAuthTables truncates auth-related tables for a clean test state.
func TruncateAuthTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE refresh_tokens, devices, otp_records, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate auth tables: %w", err)
	}
	return nil
}
