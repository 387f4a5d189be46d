//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/storetest"
)

func TestApprovalStore(t *testing.T) {
	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dbURL, 20, 5)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	t.Cleanup(func() { _ = db.Close() })

	storetest.Run(t, func(t *testing.T) port.ApprovalStore {
		_, err := db.ExecContext(ctx, "TRUNCATE approval_audit, approvals")
		require.NoError(t, err)
		return NewApprovalStore(db, zap.NewNop())
	})
}
