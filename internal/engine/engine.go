package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"traceline/internal/audit"
	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description string) (domain.Project, error) {
	p := domain.Project{
		ID:          projectID,
		Kind:        "decision-portal",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	return p, nil
}

// CreateDecision creates the aggregate root together with its first version
// snapshot. Audit chain id = decision id; this writes the chain's first entry.
func (e Engine) CreateDecision(ctx context.Context, projectID string, fields domain.DecisionFields, actorID string) (domain.Decision, error) {
	if strings.TrimSpace(fields.Title) == "" {
		return domain.Decision{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Decision{}, err
	}
	if err := validateOptions(fields.Options); err != nil {
		return domain.Decision{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Decision{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		Status:         "draft",
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	v := domain.DecisionVersion{
		DecisionID: d.ID,
		Number:     1,
		Fields:     fields,
		AuthorID:   actorID,
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return domain.Decision{}, err
	}
	if err := e.Repo.InsertDecisionVersion(ctx, tx, v); err != nil {
		return domain.Decision{}, err
	}
	if _, err := e.Audit.Append(ctx, tx, d.ID, &actorID, audit.ActionDecisionCreated, d.ID, audit.Details{
		"title":   fields.Title,
		"version": 1,
	}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return d, nil
}

// CreateVersionResult is the success side of an optimistic write.
type CreateVersionResult struct {
	Decision domain.Decision
	Version  domain.DecisionVersion
}

// CreateVersion persists a new snapshot iff the caller's base version still
// matches the decision's current version. The check-and-increment is a single
// guarded UPDATE, so two writers racing on the same base version cannot both
// succeed; the loser gets a ConflictError carrying the version it must
// re-merge against, and nothing is mutated.
func (e Engine) CreateVersion(ctx context.Context, decisionID string, baseVersion int, fields domain.DecisionFields, note, actorID string) (CreateVersionResult, error) {
	if strings.TrimSpace(fields.Title) == "" {
		return CreateVersionResult{}, errors.New("title is required")
	}
	if baseVersion < 1 {
		return CreateVersionResult{}, errors.New("base_version must be >= 1")
	}
	if err := validateOptions(fields.Options); err != nil {
		return CreateVersionResult{}, err
	}
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return CreateVersionResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateVersionResult{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.AdvanceDecisionVersion(ctx, tx, decisionID, baseVersion, now)
	if err != nil {
		return CreateVersionResult{}, err
	}
	if !ok {
		// Nothing was mutated; re-read within the tx so the caller learns
		// the version to re-merge against.
		cur, rerr := e.Repo.GetDecisionTx(ctx, tx, decisionID)
		if rerr != nil {
			return CreateVersionResult{}, rerr
		}
		return CreateVersionResult{}, ConflictError{
			DecisionID:     decisionID,
			BaseVersion:    baseVersion,
			CurrentVersion: cur.CurrentVersion,
		}
	}

	prev, err := e.Repo.GetDecisionVersionTx(ctx, tx, decisionID, baseVersion)
	if err != nil {
		return CreateVersionResult{}, err
	}
	v := domain.DecisionVersion{
		DecisionID: decisionID,
		Number:     baseVersion + 1,
		Fields:     fields,
		Note:       note,
		AuthorID:   actorID,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertDecisionVersion(ctx, tx, v); err != nil {
		return CreateVersionResult{}, err
	}

	// Audit details carry field names only; full values are reconstructable
	// from the snapshots.
	changed := changedFieldNames(Diff(prev.Fields, fields, false))
	details := audit.Details{"version": v.Number, "changed": changed}
	if note != "" {
		details["note"] = note
	}
	if _, err := e.Audit.Append(ctx, tx, decisionID, &actorID, audit.ActionVersionCreated, decisionID, details); err != nil {
		return CreateVersionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateVersionResult{}, err
	}
	d.CurrentVersion = v.Number
	d.UpdatedAt = now
	return CreateVersionResult{Decision: d, Version: v}, nil
}

func changedFieldNames(deltas []domain.FieldDelta) []string {
	names := make([]string, 0, len(deltas))
	for _, d := range deltas {
		names = append(names, d.Field)
	}
	return names
}

func validateOptions(options []domain.DecisionOption) error {
	seen := map[string]bool{}
	for _, o := range options {
		if strings.TrimSpace(o.ID) == "" {
			return errors.New("option id is required")
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate option id %s", o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

func ensureStatusTransition(from, to string) error {
	switch from {
	case "draft":
		if to == "pending" {
			return nil
		}
	case "pending":
		if to == "approved" || to == "rejected" {
			return nil
		}
	case "approved", "rejected":
		// Explicit walk-back of a settled decision.
		if to == "pending" {
			return nil
		}
	}
	return InvalidTransitionError{From: from, To: to}
}

// UpdateStatus moves the decision through its lifecycle state machine. The
// change is version-less but audited; walking an approval or rejection back
// to pending is recorded under its own action kind. The transition is
// validated against the status read inside the transaction and the UPDATE is
// guarded on that same status, so two racing changes cannot both pass the
// check and land an illegal effective transition.
func (e Engine) UpdateStatus(ctx context.Context, decisionID, newStatus, actorID string) (domain.Decision, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDecisionTx(ctx, tx, decisionID)
	if err != nil {
		return d, err
	}
	if err := ensureStatusTransition(d.Status, newStatus); err != nil {
		return d, err
	}
	ok, err := e.Repo.UpdateDecisionStatus(ctx, tx, decisionID, d.Status, newStatus, now)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, InvalidTransitionError{From: d.Status, To: newStatus}
	}
	action := audit.ActionStatusChanged
	if (d.Status == "approved" || d.Status == "rejected") && newStatus == "pending" {
		action = audit.ActionApprovalRevoked
	}
	if _, err := e.Audit.Append(ctx, tx, decisionID, &actorID, action, decisionID, audit.Details{
		"from": d.Status,
		"to":   newStatus,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.Status = newStatus
	d.UpdatedAt = now
	return d, nil
}

// DiffVersions loads two snapshots of a decision and diffs them. Requesting a
// number outside [1, current] surfaces as not-found, never as a conflict.
func (e Engine) DiffVersions(ctx context.Context, decisionID string, from, to int, full bool) ([]domain.FieldDelta, error) {
	if _, err := e.Repo.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	fromV, err := e.Repo.GetDecisionVersion(ctx, decisionID, from)
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", from, err)
	}
	toV, err := e.Repo.GetDecisionVersion(ctx, decisionID, to)
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", to, err)
	}
	return Diff(fromV.Fields, toV.Fields, full), nil
}
