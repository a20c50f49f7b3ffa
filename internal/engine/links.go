package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"traceline/internal/audit"
	"traceline/internal/domain"
	"traceline/internal/repo"
)

// IssueLinkOptions are issuance parameters; zero values fall back to the
// project's configured link policy.
type IssueLinkOptions struct {
	ExpiresAt   *string
	OTPRequired *bool
	MaxUsage    *int
	OptionID    *string
	// TrackLatest opts out of pinning the link to the version current at
	// issue time.
	TrackLatest bool
}

// IssuedLink pairs the stored record with the plaintext token. The token is
// surfaced here exactly once; only its hash is persisted.
type IssuedLink struct {
	Link  domain.ShareLink
	Token string
}

// LinkScope is what a validated token grants access to.
type LinkScope struct {
	DecisionID   string  `json:"decision_id"`
	OptionID     *string `json:"option_id,omitempty"`
	BoundVersion *int    `json:"bound_version,omitempty"`
}

// LinkValidation is the result of the single choke point all unauthenticated
// access passes through. Failure reasons travel as data, not errors, because
// the portal must branch on them.
type LinkValidation struct {
	Valid       bool       `json:"valid"`
	Reason      string     `json:"reason,omitempty"`
	Scope       *LinkScope `json:"scope,omitempty"`
	OTPRequired bool       `json:"otp_required,omitempty"`
	LinkID      string     `json:"-"`
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueLink creates a capability link scoped to a decision (or one of its
// options). By default the link is bound to the decision's current version so
// content cannot change under a client mid-review.
func (e Engine) IssueLink(ctx context.Context, decisionID string, opts IssueLinkOptions, actorID string) (IssuedLink, error) {
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return IssuedLink{}, err
	}
	if opts.OptionID != nil {
		cur, err := e.Repo.GetDecisionVersion(ctx, decisionID, d.CurrentVersion)
		if err != nil {
			return IssuedLink{}, err
		}
		if !hasOption(cur.Fields.Options, *opts.OptionID) {
			return IssuedLink{}, fmt.Errorf("option %s: %w", *opts.OptionID, repo.ErrNotFound)
		}
	}

	now := e.now().UTC()
	expiresAt := opts.ExpiresAt
	if expiresAt == nil && e.Config != nil && e.Config.Links.DefaultTTLHours > 0 {
		s := now.Add(time.Duration(e.Config.Links.DefaultTTLHours) * time.Hour).Format(time.RFC3339)
		expiresAt = &s
	}
	if expiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *expiresAt)
		if err != nil {
			return IssuedLink{}, fmt.Errorf("invalid expires_at: %w", err)
		}
		if !exp.After(now) {
			return IssuedLink{}, errors.New("expires_at must be in the future")
		}
	}
	otpRequired := e.Config != nil && e.Config.Links.OTPRequired
	if opts.OTPRequired != nil {
		otpRequired = *opts.OTPRequired
	}
	maxUsage := opts.MaxUsage
	if maxUsage == nil && e.Config != nil && e.Config.Links.DefaultMaxUsage > 0 {
		m := e.Config.Links.DefaultMaxUsage
		maxUsage = &m
	}
	if maxUsage != nil && *maxUsage < 1 {
		return IssuedLink{}, errors.New("max_usage must be >= 1")
	}
	var boundVersion *int
	if !opts.TrackLatest && (e.Config == nil || e.Config.Links.BindVersion) {
		v := d.CurrentVersion
		boundVersion = &v
	}

	token, err := newToken()
	if err != nil {
		return IssuedLink{}, err
	}
	l := domain.ShareLink{
		ID:           uuid.New().String(),
		DecisionID:   decisionID,
		OptionID:     opts.OptionID,
		BoundVersion: boundVersion,
		TokenHash:    repo.HashToken(token),
		ExpiresAt:    expiresAt,
		OTPRequired:  otpRequired,
		MaxUsage:     maxUsage,
		Active:       true,
		CreatedBy:    actorID,
		CreatedAt:    now.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssuedLink{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertShareLink(ctx, tx, l); err != nil {
		return IssuedLink{}, err
	}
	if _, err := e.Audit.Append(ctx, tx, decisionID, &actorID, audit.ActionLinkIssued, l.ID, linkDetails(l)); err != nil {
		return IssuedLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return IssuedLink{}, err
	}
	return IssuedLink{Link: l, Token: token}, nil
}

func linkDetails(l domain.ShareLink) audit.Details {
	d := audit.Details{"decision_id": l.DecisionID}
	if l.OptionID != nil {
		d["option_id"] = *l.OptionID
	}
	if l.BoundVersion != nil {
		d["bound_version"] = *l.BoundVersion
	}
	if l.ExpiresAt != nil {
		d["expires_at"] = *l.ExpiresAt
	}
	if l.MaxUsage != nil {
		d["max_usage"] = *l.MaxUsage
	}
	if l.OTPRequired {
		d["otp_required"] = true
	}
	return d
}

func hasOption(options []domain.DecisionOption, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// ValidateLink checks a token against revocation, expiry, and the usage cap.
// Read-only; consuming a use is a separate step. A valid result on an
// OTP-protected link still requires step-up before any state change.
func (e Engine) ValidateLink(ctx context.Context, token string) (LinkValidation, error) {
	l, err := e.Repo.GetShareLinkByTokenHash(ctx, repo.HashToken(token))
	if errors.Is(err, repo.ErrNotFound) {
		return LinkValidation{Valid: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return LinkValidation{}, err
	}
	if reason := e.linkFailure(l); reason != "" {
		return LinkValidation{Valid: false, Reason: reason, LinkID: l.ID}, nil
	}
	return LinkValidation{
		Valid: true,
		Scope: &LinkScope{
			DecisionID:   l.DecisionID,
			OptionID:     l.OptionID,
			BoundVersion: l.BoundVersion,
		},
		OTPRequired: l.OTPRequired,
		LinkID:      l.ID,
	}, nil
}

func (e Engine) linkFailure(l domain.ShareLink) string {
	if !l.Active {
		return ReasonRevoked
	}
	if l.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *l.ExpiresAt)
		if err != nil || !exp.After(e.now().UTC()) {
			return ReasonExpired
		}
	}
	if l.MaxUsage != nil && l.UsageCount >= *l.MaxUsage {
		return ReasonUsageExceeded
	}
	return ""
}

// ConsumeUsage spends one use of a link after the caller has decided to act
// on it. The increment re-checks the cap atomically so two concurrent
// consumptions of a near-exhausted link cannot both succeed. When the link
// requires OTP step-up, a valid unconsumed code must accompany the call and
// is spent in the same transaction.
func (e Engine) ConsumeUsage(ctx context.Context, token, otpCode string) (LinkValidation, error) {
	v, err := e.ValidateLink(ctx, token)
	if err != nil {
		return LinkValidation{}, err
	}
	if !v.Valid {
		return v, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	tokenHash := repo.HashToken(token)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LinkValidation{}, err
	}
	defer tx.Rollback()

	if v.OTPRequired {
		if otpCode == "" {
			return LinkValidation{}, OTPError{Reason: "otp_required"}
		}
		ok, err := e.Repo.ConsumeOTPCode(ctx, tx, tokenHash, repo.HashToken(otpCode), now)
		if err != nil {
			return LinkValidation{}, err
		}
		if !ok {
			return LinkValidation{}, OTPError{Reason: "otp_invalid"}
		}
	}

	ok, err := e.Repo.IncrementLinkUsage(ctx, tx, v.LinkID)
	if err != nil {
		return LinkValidation{}, err
	}
	if !ok {
		// Lost the race against a concurrent consumption (or a racing
		// revoke); report it the same way validate would.
		return LinkValidation{Valid: false, Reason: ReasonUsageExceeded, LinkID: v.LinkID}, nil
	}
	if _, err := e.Audit.Append(ctx, tx, v.Scope.DecisionID, nil, audit.ActionLinkConsumed, v.LinkID, audit.Details{
		"decision_id": v.Scope.DecisionID,
	}); err != nil {
		return LinkValidation{}, err
	}
	if err := tx.Commit(); err != nil {
		return LinkValidation{}, err
	}
	return v, nil
}

// ExtendLink pushes a link's expiry out. Shortening is rejected; the
// unambiguous way to cut a link short is revoke+reissue.
func (e Engine) ExtendLink(ctx context.Context, linkID, newExpiresAt, actorID string) (domain.ShareLink, error) {
	l, err := e.Repo.GetShareLink(ctx, linkID)
	if err != nil {
		return l, err
	}
	if !l.Active {
		return l, LinkInvalidError{Reason: ReasonRevoked}
	}
	newExp, err := time.Parse(time.RFC3339, newExpiresAt)
	if err != nil {
		return l, fmt.Errorf("invalid expires_at: %w", err)
	}
	if l.ExpiresAt == nil {
		return l, errors.New("cannot shorten a link without expiry; revoke and reissue instead")
	}
	cur, err := time.Parse(time.RFC3339, *l.ExpiresAt)
	if err != nil {
		return l, err
	}
	if !newExp.After(cur) {
		return l, errors.New("new expiry must extend the current one; revoke and reissue to shorten")
	}

	extended := newExp.UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.ExtendShareLink(ctx, tx, linkID, extended); err != nil {
		return l, err
	}
	if _, err := e.Audit.Append(ctx, tx, l.DecisionID, &actorID, audit.ActionLinkExtended, linkID, audit.Details{
		"from": *l.ExpiresAt,
		"to":   extended,
	}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.ExpiresAt = &extended
	return l, nil
}

// ReissueLink atomically revokes a link and issues a replacement with the
// same scope and policy. The old token dies with the old record; the new
// plaintext token is returned once.
func (e Engine) ReissueLink(ctx context.Context, linkID, actorID string) (IssuedLink, error) {
	old, err := e.Repo.GetShareLink(ctx, linkID)
	if err != nil {
		return IssuedLink{}, err
	}
	if !old.Active {
		return IssuedLink{}, LinkInvalidError{Reason: ReasonRevoked}
	}

	token, err := newToken()
	if err != nil {
		return IssuedLink{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	replacement := domain.ShareLink{
		ID:           uuid.New().String(),
		DecisionID:   old.DecisionID,
		OptionID:     old.OptionID,
		BoundVersion: old.BoundVersion,
		TokenHash:    repo.HashToken(token),
		ExpiresAt:    old.ExpiresAt,
		OTPRequired:  old.OTPRequired,
		MaxUsage:     old.MaxUsage,
		Active:       true,
		CreatedBy:    actorID,
		CreatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssuedLink{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.RevokeShareLink(ctx, tx, old.ID, now); err != nil {
		return IssuedLink{}, err
	}
	if err := e.Repo.InsertShareLink(ctx, tx, replacement); err != nil {
		return IssuedLink{}, err
	}
	if _, err := e.Audit.Append(ctx, tx, old.DecisionID, &actorID, audit.ActionLinkReissued, old.ID, audit.Details{
		"old_link_id": old.ID,
		"new_link_id": replacement.ID,
	}); err != nil {
		return IssuedLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return IssuedLink{}, err
	}
	return IssuedLink{Link: replacement, Token: token}, nil
}

// RevokeLink deactivates a link. Idempotent: revoking an already-revoked link
// succeeds without further state change beyond the duplicate audit entry.
func (e Engine) RevokeLink(ctx context.Context, linkID, actorID string) (domain.ShareLink, error) {
	l, err := e.Repo.GetShareLink(ctx, linkID)
	if err != nil {
		return l, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	changed, err := e.Repo.RevokeShareLink(ctx, tx, linkID, now)
	if err != nil {
		return l, err
	}
	if _, err := e.Audit.Append(ctx, tx, l.DecisionID, &actorID, audit.ActionLinkRevoked, linkID, audit.Details{
		"already_revoked": !changed,
	}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	if changed {
		l.Active = false
		l.RevokedAt = &now
	}
	return l, nil
}

// IssueOTP mints the step-up code for an OTP-protected link. The code is
// returned to the caller for delivery by the notification layer; only its
// hash is stored. Codes are single-use and short-lived per config.
func (e Engine) IssueOTP(ctx context.Context, token string) (string, error) {
	v, err := e.ValidateLink(ctx, token)
	if err != nil {
		return "", err
	}
	if !v.Valid {
		return "", LinkInvalidError{Reason: v.Reason}
	}
	if !v.OTPRequired {
		return "", errors.New("link does not require otp")
	}

	digits := 6
	ttl := 10 * time.Minute
	if e.Config != nil {
		if e.Config.OTP.Digits > 0 {
			digits = e.Config.OTP.Digits
		}
		if e.Config.OTP.TTLMinutes > 0 {
			ttl = time.Duration(e.Config.OTP.TTLMinutes) * time.Minute
		}
	}
	code, err := newOTPCode(digits)
	if err != nil {
		return "", err
	}
	now := e.now().UTC()
	rec := domain.OTPCode{
		ID:        uuid.New().String(),
		TokenHash: repo.HashToken(token),
		CodeHash:  repo.HashToken(code),
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOTPCode(ctx, tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return code, nil
}

func newOTPCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
