package audit_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"traceline/internal/audit"
	"traceline/internal/db"
	"traceline/internal/migrate"
)

func newTestWriter(t *testing.T) (audit.Writer, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := audit.Writer{
		DB:  conn,
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return w, conn
}

func appendEntry(t *testing.T, w audit.Writer, conn *sql.DB, chainID, actor, action, targetID string, details audit.Details) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := w.Append(ctx, tx, chainID, &actor, action, targetID, details); err != nil {
		t.Fatalf("append %s: %v", action, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAppendLinksFromSeed(t *testing.T) {
	w, conn := newTestWriter(t)
	ctx := context.Background()

	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionDecisionCreated, "dec-1", audit.Details{"title": "Pick a database"})
	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionVersionCreated, "dec-1", audit.Details{"version": 2})
	appendEntry(t, w, conn, "dec-1", "bob", audit.ActionStatusChanged, "dec-1", audit.Details{"from": "draft", "to": "pending"})

	entries, err := w.Query(ctx, audit.Filters{ChainID: "dec-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != audit.SeedHash {
		t.Fatalf("first entry prev_hash = %s, want seed", entries[0].PrevHash)
	}
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
	if entries[1].PrevHash != entries[0].Hash || entries[2].PrevHash != entries[1].Hash {
		t.Fatalf("entries are not hash-linked")
	}

	res, err := w.VerifyChain(ctx, "dec-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.FirstInvalid != -1 {
		t.Fatalf("fresh chain should verify, got %+v", res)
	}
}

func TestAppendRejectsUnknownAction(t *testing.T) {
	w, conn := newTestWriter(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	actor := "alice"
	if _, err := w.Append(ctx, tx, "dec-1", &actor, "made_it_up", "dec-1", nil); err == nil {
		t.Fatal("expected unknown action to be rejected")
	}
}

func TestVerifyReportsTamperedEntry(t *testing.T) {
	w, conn := newTestWriter(t)
	ctx := context.Background()

	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionDecisionCreated, "dec-1", audit.Details{"title": "original"})
	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionVersionCreated, "dec-1", audit.Details{"version": 2})
	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionVersionCreated, "dec-1", audit.Details{"version": 3})

	// Out-of-band edit of a middle entry's payload.
	if _, err := conn.ExecContext(ctx, `UPDATE audit_log SET details_json='{"version":99}' WHERE chain_id='dec-1' AND seq=2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := w.VerifyChain(ctx, "dec-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if res.FirstInvalid != 1 {
		t.Fatalf("first invalid index = %d, want 1", res.FirstInvalid)
	}

	// Rewriting the actor attribution must break verification too.
	appendEntry(t, w, conn, "dec-2", "alice", audit.ActionDecisionCreated, "dec-2", nil)
	if _, err := conn.ExecContext(ctx, `UPDATE audit_log SET actor_id='mallory' WHERE chain_id='dec-2' AND seq=1`); err != nil {
		t.Fatalf("tamper actor: %v", err)
	}
	res, err = w.VerifyChain(ctx, "dec-2")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.FirstInvalid != 0 {
		t.Fatalf("actor rewrite went undetected: %+v", res)
	}
}

func TestAppendHaltsOnTamperedTail(t *testing.T) {
	w, conn := newTestWriter(t)
	ctx := context.Background()

	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionDecisionCreated, "dec-1", nil)
	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionVersionCreated, "dec-1", audit.Details{"version": 2})

	if _, err := conn.ExecContext(ctx, `UPDATE audit_log SET details_json='{"version":99}' WHERE chain_id='dec-1' AND seq=2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	actor := "alice"
	_, err = w.Append(ctx, tx, "dec-1", &actor, audit.ActionVersionCreated, "dec-1", audit.Details{"version": 3})
	if !errors.Is(err, audit.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestRedactBlanksReadButKeepsChainValid(t *testing.T) {
	w, conn := newTestWriter(t)
	ctx := context.Background()

	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionDecisionCreated, "dec-1", audit.Details{"title": "confidential"})
	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionVersionCreated, "dec-1", audit.Details{"version": 2})

	entries, err := w.Query(ctx, audit.Filters{ChainID: "dec-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := w.Redact(ctx, entries[0].ID, "retention policy", "admin"); err != nil {
		t.Fatalf("redact: %v", err)
	}

	entries, err = w.Query(ctx, audit.Filters{ChainID: "dec-1"})
	if err != nil {
		t.Fatalf("query after redact: %v", err)
	}
	// Redaction itself is audited, so the chain grew by one.
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after redact, got %d", len(entries))
	}
	if !entries[0].Redacted || entries[0].DetailsJSON != "{}" {
		t.Fatalf("redacted entry not blanked on read: %+v", entries[0])
	}
	if entries[1].Redacted {
		t.Fatal("untouched entry reported as redacted")
	}
	if entries[2].Action != audit.ActionEntryRedacted {
		t.Fatalf("expected %s as tail, got %s", audit.ActionEntryRedacted, entries[2].Action)
	}

	res, err := w.VerifyChain(ctx, "dec-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("redaction must not break the chain, got %+v", res)
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	w, conn := newTestWriter(t)
	ctx := context.Background()

	appendEntry(t, w, conn, "dec-1", "alice", audit.ActionDecisionCreated, "dec-1", nil)
	appendEntry(t, w, conn, "dec-1", "bob", audit.ActionStatusChanged, "dec-1", audit.Details{"from": "draft", "to": "pending"})
	appendEntry(t, w, conn, "dec-2", "alice", audit.ActionDecisionCreated, "dec-2", nil)

	byAction, err := w.Query(ctx, audit.Filters{Action: audit.ActionStatusChanged})
	if err != nil {
		t.Fatalf("query by action: %v", err)
	}
	if len(byAction) != 1 || byAction[0].ChainID != "dec-1" {
		t.Fatalf("action filter returned %+v", byAction)
	}

	byActor, err := w.Query(ctx, audit.Filters{ActorID: "alice"})
	if err != nil {
		t.Fatalf("query by actor: %v", err)
	}
	if len(byActor) != 2 {
		t.Fatalf("actor filter returned %d entries, want 2", len(byActor))
	}

	desc, err := w.Query(ctx, audit.Filters{ChainID: "dec-1", Desc: true})
	if err != nil {
		t.Fatalf("query desc: %v", err)
	}
	if len(desc) != 2 || desc[0].Seq != 2 {
		t.Fatalf("desc order wrong: %+v", desc)
	}

	chains, err := w.ChainIDs(ctx)
	if err != nil {
		t.Fatalf("chain ids: %v", err)
	}
	if len(chains) != 2 || chains[0] != "dec-1" || chains[1] != "dec-2" {
		t.Fatalf("chain ids = %v", chains)
	}

	all, err := w.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	for id, res := range all {
		if !res.Valid {
			t.Fatalf("chain %s invalid: %+v", id, res)
		}
	}
}
