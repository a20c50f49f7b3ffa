package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"traceline/internal/audit"
	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func fields(title string) domain.DecisionFields {
	return domain.DecisionFields{Title: title}
}

func TestCreateDecisionStartsAsDraftV1(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("Pick a database"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if d.Status != "draft" || d.CurrentVersion != 1 {
		t.Fatalf("new decision is %s v%d, want draft v1", d.Status, d.CurrentVersion)
	}
	v, err := env.Engine.Repo.GetDecisionVersion(env.Ctx, d.ID, 1)
	if err != nil {
		t.Fatalf("get version 1: %v", err)
	}
	if v.Fields.Title != "Pick a database" || v.AuthorID != "alice" {
		t.Fatalf("version 1 snapshot wrong: %+v", v)
	}

	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{ChainID: d.ID})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionDecisionCreated {
		t.Fatalf("expected one decision_created entry, got %+v", entries)
	}
	if entries[0].PrevHash != audit.SeedHash {
		t.Fatalf("chain does not start at seed: %s", entries[0].PrevHash)
	}
}

func TestCreateDecisionRequiresTitleAndProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("  "), "alice"); err == nil {
		t.Fatal("blank title accepted")
	}
	if _, err := env.Engine.CreateDecision(env.Ctx, "nope", fields("x"), "alice"); err == nil {
		t.Fatal("unknown project accepted")
	}
}

func TestCreateVersionStaleBaseConflicts(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("Pick a database"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}

	res, err := env.Engine.CreateVersion(env.Ctx, d.ID, 1, fields("Pick a database, revised"), "first edit", "alice")
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if res.Version.Number != 2 || res.Decision.CurrentVersion != 2 {
		t.Fatalf("expected version 2, got %+v", res)
	}

	// A second writer still holding base 1 must lose, and must learn the
	// version to re-merge against.
	_, err = env.Engine.CreateVersion(env.Ctx, d.ID, 1, fields("conflicting edit"), "", "bob")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.CurrentVersion != 2 || conflict.BaseVersion != 1 {
		t.Fatalf("conflict payload wrong: %+v", conflict)
	}

	// The losing write left nothing behind.
	if n, err := env.Engine.Repo.CountDecisionVersions(env.Ctx, d.ID); err != nil || n != 2 {
		t.Fatalf("version count = %d (%v), want 2", n, err)
	}
}

func TestCreateVersionConcurrentWritersOneWins(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("Pick a database"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CreateVersion(env.Ctx, d.ID, 1, fields("edit "+string(rune('a'+i))), "", "writer")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		var conflict engine.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}
	cur, err := env.Engine.Repo.GetDecision(env.Ctx, d.ID)
	if err != nil || cur.CurrentVersion != 2 {
		t.Fatalf("current version = %d (%v), want 2", cur.CurrentVersion, err)
	}
}

func TestVersionNumbersAreContiguous(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("v1"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	for base := 1; base <= 3; base++ {
		if _, err := env.Engine.CreateVersion(env.Ctx, d.ID, base, fields("edit"), "", "alice"); err != nil {
			t.Fatalf("create version from base %d: %v", base, err)
		}
	}
	versions, err := env.Engine.Repo.ListDecisionVersions(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("expected 4 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Number != i+1 {
			t.Fatalf("version at index %d has number %d", i, v.Number)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("Pick a database"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}

	// draft cannot jump straight to a settled state.
	_, err = env.Engine.UpdateStatus(env.Ctx, d.ID, "approved", "alice")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != "draft" || invalid.To != "approved" {
		t.Fatalf("transition payload wrong: %+v", invalid)
	}

	if _, err := env.Engine.UpdateStatus(env.Ctx, d.ID, "pending", "alice"); err != nil {
		t.Fatalf("draft -> pending: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, d.ID, "approved", "bob"); err != nil {
		t.Fatalf("pending -> approved: %v", err)
	}

	// Walking an approval back is allowed but recorded under its own action.
	if _, err := env.Engine.UpdateStatus(env.Ctx, d.ID, "pending", "bob"); err != nil {
		t.Fatalf("approved -> pending: %v", err)
	}
	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{ChainID: d.ID, Action: audit.ActionApprovalRevoked})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one approval_revoked entry, got %d", len(entries))
	}
	if !strings.Contains(entries[0].DetailsJSON, `"from":"approved"`) {
		t.Fatalf("revocation details missing prior status: %s", entries[0].DetailsJSON)
	}
}

func TestUpdateStatusRacingChangeCannotBypassMachine(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("Pick a database"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, d.ID, "pending", "alice"); err != nil {
		t.Fatalf("draft -> pending: %v", err)
	}

	// Interleave a committed pending -> rejected between the second writer's
	// entry into UpdateStatus and its transaction, via the clock hook.
	interloper := env.Engine
	fired := false
	env.Engine.Now = func() time.Time {
		if !fired {
			fired = true
			if _, err := interloper.UpdateStatus(env.Ctx, d.ID, "rejected", "bob"); err != nil {
				t.Fatalf("interleaved rejection: %v", err)
			}
		}
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	_, err = env.Engine.UpdateStatus(env.Ctx, d.ID, "approved", "alice")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError after race, got %v", err)
	}
	if invalid.From != "rejected" || invalid.To != "approved" {
		t.Fatalf("transition payload wrong: %+v", invalid)
	}

	cur, err := env.Engine.Repo.GetDecision(env.Ctx, d.ID)
	if err != nil || cur.Status != "rejected" {
		t.Fatalf("status = %q (%v), want rejected", cur.Status, err)
	}
	// Only the two legal changes made it into the log.
	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{ChainID: d.ID, Action: audit.ActionStatusChanged})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 status_changed entries, got %d", len(entries))
	}
}

func TestDuplicateOptionIDsRejected(t *testing.T) {
	env := newTestEnv(t)
	bad := domain.DecisionFields{
		Title: "Pick a database",
		Options: []domain.DecisionOption{
			{ID: "sqlite", Label: "SQLite"},
			{ID: "sqlite", Label: "SQLite again"},
		},
	}
	if _, err := env.Engine.CreateDecision(env.Ctx, "proj-1", bad, "alice"); err == nil {
		t.Fatal("duplicate option ids accepted")
	}
	blank := domain.DecisionFields{
		Title:   "Pick a database",
		Options: []domain.DecisionOption{{ID: " ", Label: "unnamed"}},
	}
	if _, err := env.Engine.CreateDecision(env.Ctx, "proj-1", blank, "alice"); err == nil {
		t.Fatal("blank option id accepted")
	}
}

func TestDiffVersionsUnknownNumberIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("v1"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if _, err := env.Engine.DiffVersions(env.Ctx, d.ID, 1, 9, false); err == nil {
		t.Fatal("diff against missing version succeeded")
	}
}
