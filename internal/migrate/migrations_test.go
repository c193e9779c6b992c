package migrate_test

import (
	"context"
	"testing"

	"fixline/internal/db"
	"fixline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 {
		t.Fatalf("expected migrations to apply")
	}
	again, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}
	current, latest, err := migrate.Status(ctx, conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if current != latest {
		t.Fatalf("current %d != latest %d", current, latest)
	}
}

func TestAuditRecordsRejectUpdates(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO audit_records(transaction_id,seq,ts,type,actor_id,payload_json,prev_hash,hash) VALUES ('t',1,'x','y','z','{}','','h')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE audit_records SET type='tampered'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
}
