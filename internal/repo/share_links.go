package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"traceline/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for a share token or OTP code.
// Only the digest is ever stored or logged.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertShareLink(ctx context.Context, tx *sql.Tx, l domain.ShareLink) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO share_links(id,decision_id,option_id,bound_version,token_hash,expires_at,otp_required,max_usage,usage_count,active,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.DecisionID, nullableStringPtr(l.OptionID), nullableIntPtr(l.BoundVersion), l.TokenHash,
		nullableStringPtr(l.ExpiresAt), boolToInt(l.OTPRequired), nullableIntPtr(l.MaxUsage), l.UsageCount,
		boolToInt(l.Active), l.CreatedBy, l.CreatedAt)
	return err
}

func scanShareLink(scan func(dest ...any) error) (domain.ShareLink, error) {
	var l domain.ShareLink
	var optionID, expiresAt, revokedAt sql.NullString
	var boundVersion, maxUsage sql.NullInt64
	var otpRequired, active int
	err := scan(&l.ID, &l.DecisionID, &optionID, &boundVersion, &l.TokenHash, &expiresAt,
		&otpRequired, &maxUsage, &l.UsageCount, &active, &l.CreatedBy, &l.CreatedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if optionID.Valid {
		l.OptionID = &optionID.String
	}
	if boundVersion.Valid {
		v := int(boundVersion.Int64)
		l.BoundVersion = &v
	}
	if expiresAt.Valid {
		l.ExpiresAt = &expiresAt.String
	}
	if maxUsage.Valid {
		m := int(maxUsage.Int64)
		l.MaxUsage = &m
	}
	if revokedAt.Valid {
		l.RevokedAt = &revokedAt.String
	}
	l.OTPRequired = otpRequired == 1
	l.Active = active == 1
	return l, nil
}

const shareLinkColumns = `id,decision_id,option_id,bound_version,token_hash,expires_at,otp_required,max_usage,usage_count,active,created_by,created_at,revoked_at`

func (r Repo) GetShareLink(ctx context.Context, id string) (domain.ShareLink, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE id=?`, id)
	return scanShareLink(row.Scan)
}

func (r Repo) GetShareLinkTx(ctx context.Context, tx *sql.Tx, id string) (domain.ShareLink, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE id=?`, id)
	return scanShareLink(row.Scan)
}

func (r Repo) GetShareLinkByTokenHash(ctx context.Context, hash string) (domain.ShareLink, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE token_hash=?`, hash)
	return scanShareLink(row.Scan)
}

func (r Repo) ListShareLinks(ctx context.Context, decisionID string) ([]domain.ShareLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE decision_id=? ORDER BY created_at DESC, id DESC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShareLink
	for rows.Next() {
		l, err := scanShareLink(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// RevokeShareLink flips active off. Returns true when the row transitioned;
// false when it was already revoked (idempotent no-op).
func (r Repo) RevokeShareLink(ctx context.Context, tx *sql.Tx, id, revokedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE share_links SET active=0, revoked_at=? WHERE id=? AND active=1`, revokedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ExtendShareLink(ctx context.Context, tx *sql.Tx, id, newExpiresAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE share_links SET expires_at=? WHERE id=? AND active=1`, newExpiresAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementLinkUsage bumps usage_count only while the link is active and
// below its cap; the guard in the WHERE clause makes concurrent consumptions
// of a near-exhausted link lose cleanly instead of crossing the cap.
func (r Repo) IncrementLinkUsage(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE share_links SET usage_count=usage_count+1
WHERE id=? AND active=1 AND (max_usage IS NULL OR usage_count < max_usage)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) InsertOTPCode(ctx context.Context, tx *sql.Tx, c domain.OTPCode) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO otp_codes(id,token_hash,code_hash,expires_at,used,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.TokenHash, c.CodeHash, c.ExpiresAt, boolToInt(c.Used), c.CreatedAt)
	return err
}

// ConsumeOTPCode marks the matching unused, unexpired code as used. Returns
// false when no such code exists (wrong code, already used, or expired).
func (r Repo) ConsumeOTPCode(ctx context.Context, tx *sql.Tx, tokenHash, codeHash, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE otp_codes SET used=1
WHERE token_hash=? AND code_hash=? AND used=0 AND expires_at > ?`, tokenHash, codeHash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
