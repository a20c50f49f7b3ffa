package server

import (
	"encoding/json"

	"traceline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateDecisionRequest struct {
	ProjectID *string               `json:"project_id,omitempty"`
	Fields    domain.DecisionFields `json:"fields"`
}

type CreateVersionRequest struct {
	BaseVersion int                   `json:"base_version" minimum:"1"`
	Fields      domain.DecisionFields `json:"fields"`
	Note        *string               `json:"note,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"draft,pending,approved,rejected"`
}

type IssueLinkRequest struct {
	OptionID    *string `json:"option_id,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty" format:"date-time"`
	OTPRequired *bool   `json:"otp_required,omitempty"`
	MaxUsage    *int    `json:"max_usage,omitempty" minimum:"1"`
	TrackLatest bool    `json:"track_latest,omitempty"`
}

type ExtendLinkRequest struct {
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type ConsumeLinkRequest struct {
	Token   string  `json:"token"`
	OTPCode *string `json:"otp_code,omitempty"`
}

type RequestOTPRequest struct {
	Token string `json:"token"`
}

type RedactEntryRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DecisionResponse struct {
	ID             string                 `json:"id"`
	ProjectID      string                 `json:"project_id"`
	Status         string                 `json:"status" enum:"draft,pending,approved,rejected"`
	CurrentVersion int                    `json:"current_version"`
	CreatedAt      string                 `json:"created_at" format:"date-time"`
	UpdatedAt      string                 `json:"updated_at" format:"date-time"`
	Fields         *domain.DecisionFields `json:"fields,omitempty"`
}

type VersionResponse struct {
	DecisionID string                `json:"decision_id"`
	Number     int                   `json:"number"`
	Fields     domain.DecisionFields `json:"fields"`
	Note       string                `json:"note,omitempty"`
	AuthorID   string                `json:"author_id"`
	CreatedAt  string                `json:"created_at" format:"date-time"`
}

type DiffResponse struct {
	DecisionID string             `json:"decision_id"`
	From       int                `json:"from"`
	To         int                `json:"to"`
	Deltas     []domain.FieldDelta `json:"deltas"`
}

type LinkResponse struct {
	ID           string  `json:"id"`
	DecisionID   string  `json:"decision_id"`
	OptionID     *string `json:"option_id,omitempty"`
	BoundVersion *int    `json:"bound_version,omitempty"`
	ExpiresAt    *string `json:"expires_at,omitempty" format:"date-time"`
	OTPRequired  bool    `json:"otp_required"`
	MaxUsage     *int    `json:"max_usage,omitempty"`
	UsageCount   int     `json:"usage_count"`
	Active       bool    `json:"active"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	RevokedAt    *string `json:"revoked_at,omitempty" format:"date-time"`
}

// IssuedLinkResponse carries the plaintext token alongside the stored link.
// The token never appears in any other response.
type IssuedLinkResponse struct {
	Link  LinkResponse `json:"link"`
	Token string       `json:"token"`
}

type ValidationScopeResponse struct {
	DecisionID   string                 `json:"decision_id"`
	OptionID     *string                `json:"option_id,omitempty"`
	BoundVersion *int                   `json:"bound_version,omitempty"`
	Decision     *DecisionResponse      `json:"decision,omitempty"`
	Fields       *domain.DecisionFields `json:"fields,omitempty"`
}

type ValidationResponse struct {
	Valid       bool                     `json:"valid"`
	Reason      string                   `json:"reason,omitempty" enum:",not_found,expired,revoked,usage_exceeded"`
	OTPRequired bool                     `json:"otp_required,omitempty"`
	Scope       *ValidationScopeResponse `json:"scope,omitempty"`
}

type OTPResponse struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

type AuditEntryResponse struct {
	ID       string         `json:"id"`
	ChainID  string         `json:"chain_id"`
	Seq      int64          `json:"seq"`
	ActorID  *string        `json:"actor_id,omitempty"`
	Action   string         `json:"action"`
	TargetID string         `json:"target_id"`
	TS       string         `json:"ts" format:"date-time"`
	Details  map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
	Redacted bool           `json:"redacted,omitempty"`
}

type VerifyChainResponse struct {
	ChainID      string `json:"chain_id"`
	Valid        bool   `json:"valid"`
	FirstInvalid int    `json:"first_invalid_index"`
}

type VerifyResponse struct {
	Valid  bool                  `json:"valid"`
	Chains []VerifyChainResponse `json:"chains"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		Status:         d.Status,
		CurrentVersion: d.CurrentVersion,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func versionResponse(v domain.DecisionVersion) VersionResponse {
	return VersionResponse{
		DecisionID: v.DecisionID,
		Number:     v.Number,
		Fields:     v.Fields,
		Note:       v.Note,
		AuthorID:   v.AuthorID,
		CreatedAt:  v.CreatedAt,
	}
}

func linkResponse(l domain.ShareLink) LinkResponse {
	return LinkResponse{
		ID:           l.ID,
		DecisionID:   l.DecisionID,
		OptionID:     l.OptionID,
		BoundVersion: l.BoundVersion,
		ExpiresAt:    l.ExpiresAt,
		OTPRequired:  l.OTPRequired,
		MaxUsage:     l.MaxUsage,
		UsageCount:   l.UsageCount,
		Active:       l.Active,
		CreatedBy:    l.CreatedBy,
		CreatedAt:    l.CreatedAt,
		RevokedAt:    l.RevokedAt,
	}
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	var details map[string]any
	if e.DetailsJSON != "" {
		_ = json.Unmarshal([]byte(e.DetailsJSON), &details)
	}
	return AuditEntryResponse{
		ID:       e.ID,
		ChainID:  e.ChainID,
		Seq:      e.Seq,
		ActorID:  e.ActorID,
		Action:   e.Action,
		TargetID: e.TargetID,
		TS:       e.TS,
		Details:  details,
		PrevHash: e.PrevHash,
		Hash:     e.Hash,
		Redacted: e.Redacted,
	}
}
