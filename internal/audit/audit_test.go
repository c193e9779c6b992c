package audit_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/audit"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/migrate"
	"fixline/internal/repo"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return conn
}

func TestAppendChainsPerTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	w := audit.Writer{Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}

	first, err := w.AppendDB(ctx, conn, audit.Entry{TransactionID: "tx-1", Type: audit.AlertReceived, Payload: audit.Payload{"alert_id": "a1"}})
	require.NoError(t, err)
	_, err = w.AppendDB(ctx, conn, audit.Entry{TransactionID: "tx-2", Type: audit.AlertReceived})
	require.NoError(t, err)
	second, err := w.AppendDB(ctx, conn, audit.Entry{TransactionID: "tx-1", Type: audit.ContextEnriched, ActorID: "enricher", AllowlistVersion: "v1"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.Seq)
	assert.Equal(t, "", first.PrevHash)
	assert.Equal(t, "system", first.ActorID)
	assert.EqualValues(t, 2, second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	records, err := repo.Repo{DB: conn}.ListAudit(ctx, "tx-1")
	require.NoError(t, err)
	res := audit.Verify(records)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, second.Hash, res.Head)
}

func TestVerifyDetectsTampering(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	w := audit.Writer{}
	for i := 0; i < 3; i++ {
		_, err := w.AppendDB(ctx, conn, audit.Entry{TransactionID: "tx-1", Type: audit.TransactionTransition, Payload: audit.Payload{"i": i}})
		require.NoError(t, err)
	}
	records, err := repo.Repo{DB: conn}.ListAudit(ctx, "tx-1")
	require.NoError(t, err)

	tampered := append([]domain.AuditRecord(nil), records...)
	tampered[1].Payload = `{"i":42}`
	res := audit.Verify(tampered)
	assert.False(t, res.OK)
	assert.EqualValues(t, 2, res.BrokenAt)

	dropped := []domain.AuditRecord{records[0], records[2]}
	res = audit.Verify(dropped)
	assert.False(t, res.OK)
	assert.EqualValues(t, 3, res.BrokenAt)
}

func TestErrorPayloadIsStructured(t *testing.T) {
	p := audit.ErrorPayload(domain.SchemaViolation("query_metrics", "/timeRangeMinutes", "maximum"))
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"code":"schema_violation"`)
	assert.Contains(t, string(data), `"retryable":false`)
	assert.Equal(t, "internal", audit.ErrorPayload(errors.New("x"))["code"])
	assert.Nil(t, audit.ErrorPayload(nil))
}
