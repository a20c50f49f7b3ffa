package tracelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Traceline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Decision represents the API decision model.
type Decision struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	Status         string          `json:"status"`
	CurrentVersion int             `json:"current_version"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	Fields         *DecisionFields `json:"fields,omitempty"`
}

// DecisionFields is the editable content of a decision.
type DecisionFields struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

// Option is one structured alternative inside a decision.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Version is one immutable content snapshot.
type Version struct {
	DecisionID string         `json:"decision_id"`
	Number     int            `json:"number"`
	Fields     DecisionFields `json:"fields"`
	Note       string         `json:"note,omitempty"`
	AuthorID   string         `json:"author_id"`
	CreatedAt  string         `json:"created_at"`
}

// FieldDelta is one entry of a version diff.
type FieldDelta struct {
	Field      string `json:"field"`
	Before     any    `json:"before,omitempty"`
	After      any    `json:"after,omitempty"`
	ChangeKind string `json:"change_kind"`
}

// Diff is the structured comparison of two versions.
type Diff struct {
	DecisionID string       `json:"decision_id"`
	From       int          `json:"from"`
	To         int          `json:"to"`
	Deltas     []FieldDelta `json:"deltas"`
}

// Link is a share link record; the token only appears in IssuedLink.
type Link struct {
	ID           string  `json:"id"`
	DecisionID   string  `json:"decision_id"`
	OptionID     *string `json:"option_id,omitempty"`
	BoundVersion *int    `json:"bound_version,omitempty"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
	OTPRequired  bool    `json:"otp_required"`
	MaxUsage     *int    `json:"max_usage,omitempty"`
	UsageCount   int     `json:"usage_count"`
	Active       bool    `json:"active"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at"`
	RevokedAt    *string `json:"revoked_at,omitempty"`
}

// IssuedLink pairs a link with its plaintext token, returned exactly once.
type IssuedLink struct {
	Link  Link   `json:"link"`
	Token string `json:"token"`
}

// ValidationScope describes what a valid token grants access to.
type ValidationScope struct {
	DecisionID   string          `json:"decision_id"`
	OptionID     *string         `json:"option_id,omitempty"`
	BoundVersion *int            `json:"bound_version,omitempty"`
	Decision     *Decision       `json:"decision,omitempty"`
	Fields       *DecisionFields `json:"fields,omitempty"`
}

// Validation is the portal-side result of checking a token.
type Validation struct {
	Valid       bool             `json:"valid"`
	Reason      string           `json:"reason,omitempty"`
	OTPRequired bool             `json:"otp_required,omitempty"`
	Scope       *ValidationScope `json:"scope,omitempty"`
}

// AuditEntry is one audit chain entry.
type AuditEntry struct {
	ID       string         `json:"id"`
	ChainID  string         `json:"chain_id"`
	Seq      int64          `json:"seq"`
	ActorID  *string        `json:"actor_id,omitempty"`
	Action   string         `json:"action"`
	TargetID string         `json:"target_id"`
	TS       string         `json:"ts"`
	Details  map[string]any `json:"details,omitempty"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
	Redacted bool           `json:"redacted,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDecision creates a decision with an initial version.
func (c *Client) CreateDecision(ctx context.Context, fields DecisionFields) (Decision, error) {
	body := map[string]any{"fields": fields}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/decisions", body, &resp)
	return resp, err
}

// GetDecision fetches a decision with its current content.
func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, "v0/decisions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateVersion proposes a new version against a base version. A stale base
// returns an *APIError with status 409; the body carries current_version.
func (c *Client) CreateVersion(ctx context.Context, decisionID string, baseVersion int, fields DecisionFields, note string) (Version, error) {
	body := map[string]any{
		"base_version": baseVersion,
		"fields":       fields,
	}
	if note != "" {
		body["note"] = note
	}
	var resp Version
	endpoint := fmt.Sprintf("v0/decisions/%s/versions", url.PathEscape(decisionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Versions lists the version history of a decision.
func (c *Client) Versions(ctx context.Context, decisionID string) ([]Version, error) {
	var resp []Version
	endpoint := fmt.Sprintf("v0/decisions/%s/versions", url.PathEscape(decisionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DiffVersions returns the structured diff between two versions.
func (c *Client) DiffVersions(ctx context.Context, decisionID string, from, to int, full bool) (Diff, error) {
	var resp Diff
	endpoint := fmt.Sprintf("v0/decisions/%s/diff?from=%d&to=%d&full=%t", url.PathEscape(decisionID), from, to, full)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStatus changes a decision's lifecycle status.
func (c *Client) UpdateStatus(ctx context.Context, decisionID, status string) (Decision, error) {
	var resp Decision
	endpoint := fmt.Sprintf("v0/decisions/%s/status", url.PathEscape(decisionID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// IssueLinkOptions are optional issuance parameters.
type IssueLinkOptions struct {
	OptionID    *string `json:"option_id,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	OTPRequired *bool   `json:"otp_required,omitempty"`
	MaxUsage    *int    `json:"max_usage,omitempty"`
	TrackLatest bool    `json:"track_latest,omitempty"`
}

// IssueLink issues a share link for a decision.
func (c *Client) IssueLink(ctx context.Context, decisionID string, opts IssueLinkOptions) (IssuedLink, error) {
	var resp IssuedLink
	endpoint := fmt.Sprintf("v0/decisions/%s/links", url.PathEscape(decisionID))
	err := c.do(ctx, http.MethodPost, endpoint, opts, &resp)
	return resp, err
}

// ValidateLink checks a token without spending a use. No auth required.
func (c *Client) ValidateLink(ctx context.Context, token string) (Validation, error) {
	var resp Validation
	endpoint := "v0/links/validate?token=" + url.QueryEscape(token)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ConsumeLink spends one use of a token, with an optional one-time code.
func (c *Client) ConsumeLink(ctx context.Context, token, otpCode string) (Validation, error) {
	body := map[string]any{"token": token}
	if otpCode != "" {
		body["otp_code"] = otpCode
	}
	var resp Validation
	err := c.do(ctx, http.MethodPost, "v0/links/consume", body, &resp)
	return resp, err
}

// RevokeLink deactivates a link.
func (c *Client) RevokeLink(ctx context.Context, linkID string) (Link, error) {
	var resp Link
	endpoint := fmt.Sprintf("v0/links/%s/revoke", url.PathEscape(linkID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Audit queries the audit log, newest first when desc is set server side.
func (c *Client) Audit(ctx context.Context, chainID string, limit int) ([]AuditEntry, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if chainID != "" {
		params.Set("chain_id", chainID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
