package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"traceline/internal/config"
	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,project_id,status,current_version,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Status, d.CurrentVersion, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDecision(row *sql.Row) (domain.Decision, error) {
	var d domain.Decision
	err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.CurrentVersion, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	return scanDecision(r.DB.QueryRowContext(ctx, `SELECT id,project_id,status,current_version,created_at,updated_at FROM decisions WHERE id=?`, id))
}

func (r Repo) GetDecisionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Decision, error) {
	return scanDecision(tx.QueryRowContext(ctx, `SELECT id,project_id,status,current_version,created_at,updated_at FROM decisions WHERE id=?`, id))
}

type DecisionFilters struct {
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

func (r Repo) ListDecisions(ctx context.Context, f DecisionFilters) ([]domain.Decision, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,project_id,status,current_version,created_at,updated_at FROM decisions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Status, &d.CurrentVersion, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// AdvanceDecisionVersion performs the compare-and-swap on the current-version
// pointer. It reports false without mutating when the stored version no longer
// equals baseVersion.
func (r Repo) AdvanceDecisionVersion(ctx context.Context, tx *sql.Tx, id string, baseVersion int, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET current_version=?, updated_at=? WHERE id=? AND current_version=?`,
		baseVersion+1, updatedAt, id, baseVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateDecisionStatus flips the lifecycle status only while the stored
// status still equals fromStatus, so a transition validated against a stale
// read cannot land. Reports false without mutating when the guard misses.
func (r Repo) UpdateDecisionStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertDecisionVersion(ctx context.Context, tx *sql.Tx, v domain.DecisionVersion) error {
	fields, err := json.Marshal(v.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decision_versions(decision_id,number,fields_json,note,author_id,created_at) VALUES (?,?,?,?,?,?)`,
		v.DecisionID, v.Number, string(fields), nullable(v.Note), v.AuthorID, v.CreatedAt)
	return err
}

func scanVersion(scan func(dest ...any) error) (domain.DecisionVersion, error) {
	var v domain.DecisionVersion
	var fieldsJSON string
	var note sql.NullString
	err := scan(&v.DecisionID, &v.Number, &fieldsJSON, &note, &v.AuthorID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if note.Valid {
		v.Note = note.String
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &v.Fields); err != nil {
		return v, fmt.Errorf("unmarshal fields: %w", err)
	}
	return v, nil
}

func (r Repo) GetDecisionVersion(ctx context.Context, decisionID string, number int) (domain.DecisionVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT decision_id,number,fields_json,note,author_id,created_at FROM decision_versions WHERE decision_id=? AND number=?`, decisionID, number)
	return scanVersion(row.Scan)
}

func (r Repo) GetDecisionVersionTx(ctx context.Context, tx *sql.Tx, decisionID string, number int) (domain.DecisionVersion, error) {
	row := tx.QueryRowContext(ctx, `SELECT decision_id,number,fields_json,note,author_id,created_at FROM decision_versions WHERE decision_id=? AND number=?`, decisionID, number)
	return scanVersion(row.Scan)
}

func (r Repo) ListDecisionVersions(ctx context.Context, decisionID string) ([]domain.DecisionVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT decision_id,number,fields_json,note,author_id,created_at FROM decision_versions WHERE decision_id=? ORDER BY number ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) CountDecisionVersions(ctx context.Context, decisionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM decision_versions WHERE decision_id=?`, decisionID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
