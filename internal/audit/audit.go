package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/repo"
)

// Action kinds form a closed enumeration; Append rejects anything else.
const (
	ActionDecisionCreated = "decision_created"
	ActionVersionCreated  = "version_created"
	ActionStatusChanged   = "status_changed"
	ActionApprovalRevoked = "approval_revoked"
	ActionLinkIssued      = "link_issued"
	ActionLinkRevoked     = "link_revoked"
	ActionLinkReissued    = "link_reissued"
	ActionLinkExtended    = "link_extended"
	ActionLinkConsumed    = "link_consumed"
	ActionEntryRedacted   = "entry_redacted"
)

var knownActions = map[string]bool{
	ActionDecisionCreated: true,
	ActionVersionCreated:  true,
	ActionStatusChanged:   true,
	ActionApprovalRevoked: true,
	ActionLinkIssued:      true,
	ActionLinkRevoked:     true,
	ActionLinkReissued:    true,
	ActionLinkExtended:    true,
	ActionLinkConsumed:    true,
	ActionEntryRedacted:   true,
}

// SeedHash is the well-known prev_hash of the first entry in every chain.
const SeedHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrIntegrity signals that a stored entry no longer matches its hash. Writes
// to the affected chain must halt; this error is never handled silently.
var ErrIntegrity = errors.New("audit chain integrity violation")

type Details map[string]any

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EntryHash computes the chain hash for one entry. It covers the previous
// entry's hash plus every payload field of the entry itself, the actor
// included (empty string when anonymous), so any out-of-band edit is
// detectable on replay.
func EntryHash(prevHash string, seq int64, actorID, action, targetID, ts, detailsJSON string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte{'\n'})
	h.Write([]byte(actorID))
	h.Write([]byte{'\n'})
	h.Write([]byte(action))
	h.Write([]byte{'\n'})
	h.Write([]byte(targetID))
	h.Write([]byte{'\n'})
	h.Write([]byte(ts))
	h.Write([]byte{'\n'})
	h.Write([]byte(detailsJSON))
	return hex.EncodeToString(h.Sum(nil))
}

// Append writes the next entry of a chain inside the caller's transaction.
// It is the only write path. Before linking a new entry it recomputes the
// stored tail's hash; a mismatch means the chain was tampered with after the
// fact and the append fails with ErrIntegrity instead of extending a broken
// chain.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, chainID string, actorID *string, action, targetID string, details Details) (domain.AuditEntry, error) {
	if !knownActions[action] {
		return domain.AuditEntry{}, fmt.Errorf("unknown audit action %q", action)
	}
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit details: %w", err)
	}

	prevHash := SeedHash
	var seq int64 = 1
	var tail domain.AuditEntry
	var tailActor sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT seq,actor_id,action,target_id,ts,details_json,prev_hash,hash FROM audit_log WHERE chain_id=? ORDER BY seq DESC LIMIT 1`, chainID).
		Scan(&tail.Seq, &tailActor, &tail.Action, &tail.TargetID, &tail.TS, &tail.DetailsJSON, &tail.PrevHash, &tail.Hash)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return domain.AuditEntry{}, err
	default:
		if EntryHash(tail.PrevHash, tail.Seq, tailActor.String, tail.Action, tail.TargetID, tail.TS, tail.DetailsJSON) != tail.Hash {
			return domain.AuditEntry{}, fmt.Errorf("%w: chain %s seq %d", ErrIntegrity, chainID, tail.Seq)
		}
		prevHash = tail.Hash
		seq = tail.Seq + 1
	}

	now := w.Now
	if now == nil {
		now = time.Now
	}
	entry := domain.AuditEntry{
		ID:          uuid.New().String(),
		ChainID:     chainID,
		Seq:         seq,
		ActorID:     actorID,
		Action:      action,
		TargetID:    targetID,
		TS:          now().UTC().Format(time.RFC3339),
		DetailsJSON: string(data),
		PrevHash:    prevHash,
	}
	entry.Hash = EntryHash(entry.PrevHash, entry.Seq, actorValue(entry.ActorID), entry.Action, entry.TargetID, entry.TS, entry.DetailsJSON)

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(id,chain_id,seq,actor_id,action,target_id,ts,details_json,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.ChainID, entry.Seq, nullableStringPtr(entry.ActorID), entry.Action, entry.TargetID, entry.TS, entry.DetailsJSON, entry.PrevHash, entry.Hash)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return entry, nil
}

// VerifyResult reports the outcome of a chain scan. FirstInvalid is -1 when
// the chain is intact.
type VerifyResult struct {
	Valid        bool `json:"valid"`
	FirstInvalid int  `json:"first_invalid_index,omitempty"`
}

// Verify replays a chain from the seed and reports the first entry whose
// stored linkage or hash does not recompute. Entries must be in chain order.
// Pure scan, no side effects. Because each entry's hash is recomputed from
// its own stored fields plus the running hash, a tampered entry is reported
// at its own index.
func Verify(entries []domain.AuditEntry) VerifyResult {
	running := SeedHash
	for i, e := range entries {
		if e.PrevHash != running {
			return VerifyResult{Valid: false, FirstInvalid: i}
		}
		if e.Seq != int64(i)+1 {
			return VerifyResult{Valid: false, FirstInvalid: i}
		}
		if EntryHash(e.PrevHash, e.Seq, actorValue(e.ActorID), e.Action, e.TargetID, e.TS, e.DetailsJSON) != e.Hash {
			return VerifyResult{Valid: false, FirstInvalid: i}
		}
		running = e.Hash
	}
	return VerifyResult{Valid: true, FirstInvalid: -1}
}

// VerifyChain loads one chain in order and verifies it. It reads the stored
// details directly, bypassing redaction blanking: a redacted entry keeps its
// original payload on disk precisely so the chain still recomputes.
func (w Writer) VerifyChain(ctx context.Context, chainID string) (VerifyResult, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,chain_id,seq,actor_id,action,target_id,ts,details_json,prev_hash,hash
FROM audit_log WHERE chain_id=? ORDER BY seq ASC`, chainID)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.ChainID, &e.Seq, &actor, &e.Action, &e.TargetID, &e.TS, &e.DetailsJSON, &e.PrevHash, &e.Hash); err != nil {
			return VerifyResult{}, err
		}
		if actor.Valid {
			e.ActorID = &actor.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}
	return Verify(entries), nil
}

// ChainIDs lists every chain present in the log.
func (w Writer) ChainIDs(ctx context.Context) ([]string, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT DISTINCT chain_id FROM audit_log ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// VerifyAll verifies every chain and reports per-chain results keyed by
// chain id.
func (w Writer) VerifyAll(ctx context.Context) (map[string]VerifyResult, error) {
	ids, err := w.ChainIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]VerifyResult, len(ids))
	for _, id := range ids {
		res, err := w.VerifyChain(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = res
	}
	return out, nil
}

type Filters struct {
	ChainID  string
	ActorID  string
	Action   string
	TargetID string
	FromTS   string
	ToTS     string
	Limit    int
	Offset   int
	// Desc is a read-side display transform only; chain order is ascending.
	Desc bool
}

// Query returns entries in chain order (chain id, then seq), never mutating.
// Redacted entries keep their hashes but have their details blanked on read.
func (w Writer) Query(ctx context.Context, f Filters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ChainID != "" {
		clauses = append(clauses, "a.chain_id=?")
		args = append(args, f.ChainID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "a.actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "a.action=?")
		args = append(args, f.Action)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "a.target_id=?")
		args = append(args, f.TargetID)
	}
	if f.FromTS != "" {
		clauses = append(clauses, "a.ts >= ?")
		args = append(args, f.FromTS)
	}
	if f.ToTS != "" {
		clauses = append(clauses, "a.ts <= ?")
		args = append(args, f.ToTS)
	}
	order := "ORDER BY a.chain_id ASC, a.seq ASC"
	if f.Desc {
		order = "ORDER BY a.chain_id DESC, a.seq DESC"
	}
	query := `SELECT a.id,a.chain_id,a.seq,a.actor_id,a.action,a.target_id,a.ts,a.details_json,a.prev_hash,a.hash,
r.entry_id IS NOT NULL
FROM audit_log a LEFT JOIN audit_redactions r ON r.entry_id=a.id
WHERE ` + strings.Join(clauses, " AND ") + " " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.ChainID, &e.Seq, &actor, &e.Action, &e.TargetID, &e.TS, &e.DetailsJSON, &e.PrevHash, &e.Hash, &e.Redacted); err != nil {
			return nil, err
		}
		if actor.Valid {
			e.ActorID = &actor.String
		}
		if e.Redacted {
			e.DetailsJSON = "{}"
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Redact records a retention-policy erasure for one entry. The entry row is
// untouched so the rest of the chain still verifies; reads blank the payload.
func (w Writer) Redact(ctx context.Context, entryID, reason, actorID string) error {
	var chainID string
	err := w.DB.QueryRowContext(ctx, `SELECT chain_id FROM audit_log WHERE id=?`, entryID).Scan(&chainID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("audit entry %s: %w", entryID, repo.ErrNotFound)
	}
	if err != nil {
		return err
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_redactions(entry_id,reason,actor_id,created_at) VALUES (?,?,?,?)`,
		entryID, reason, actorID, now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if _, err := w.Append(ctx, tx, chainID, &actorID, ActionEntryRedacted, entryID, Details{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// actorValue is the hash-input form of the actor: empty string for an
// anonymous entry. Storage maps "" to NULL, so the two round-trip the same.
func actorValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
