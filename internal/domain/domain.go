package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Decision is the mutable aggregate root. Editable content lives in
// DecisionVersion snapshots; the row itself carries only the lifecycle
// status and the current-version pointer.
type Decision struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Status         string `json:"status" enum:"draft,pending,approved,rejected"`
	CurrentVersion int    `json:"current_version"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// DecisionFields is the full editable field set of a decision. A version
// snapshot stores a complete replacement, never a patch.
type DecisionFields struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Owner       string           `json:"owner,omitempty"`
	DueDate     *string          `json:"due_date,omitempty" format:"date"`
	Tags        []string         `json:"tags,omitempty"`
	Options     []DecisionOption `json:"options,omitempty"`
}

// DecisionOption is a structured sub-item of a decision, identified stably
// across versions by its own id.
type DecisionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// DecisionVersion is an immutable snapshot. Numbers are contiguous per
// decision starting at 1.
type DecisionVersion struct {
	DecisionID string         `json:"decision_id"`
	Number     int            `json:"number"`
	Fields     DecisionFields `json:"fields"`
	Note       string         `json:"note,omitempty"`
	AuthorID   string         `json:"author_id"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

// AuditEntry is one link of a hash chain. Hash is computed over the previous
// entry's hash plus this entry's own fields; the first entry of a chain uses
// the all-zero seed as prev_hash.
type AuditEntry struct {
	ID          string  `json:"id"`
	ChainID     string  `json:"chain_id"`
	Seq         int64   `json:"seq"`
	ActorID     *string `json:"actor_id,omitempty"`
	Action      string  `json:"action"`
	TargetID    string  `json:"target_id"`
	TS          string  `json:"ts" format:"date-time"`
	DetailsJSON string  `json:"details_json"`
	PrevHash    string  `json:"prev_hash"`
	Hash        string  `json:"hash"`
	Redacted    bool    `json:"redacted,omitempty"`
}

// ShareLink grants scoped, time-boxed access to a decision. TokenHash is the
// SHA-256 of the capability token; the plaintext is returned exactly once at
// issue time and never stored.
type ShareLink struct {
	ID           string  `json:"id"`
	DecisionID   string  `json:"decision_id"`
	OptionID     *string `json:"option_id,omitempty"`
	BoundVersion *int    `json:"bound_version,omitempty"`
	TokenHash    string  `json:"-"`
	ExpiresAt    *string `json:"expires_at,omitempty" format:"date-time"`
	OTPRequired  bool    `json:"otp_required"`
	MaxUsage     *int    `json:"max_usage,omitempty"`
	UsageCount   int     `json:"usage_count"`
	Active       bool    `json:"active"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	RevokedAt    *string `json:"revoked_at,omitempty" format:"date-time"`
}

// OTPCode is a short-lived, single-use step-up record keyed by the share
// token's hash, independent of the ShareLink row.
type OTPCode struct {
	ID        string `json:"id"`
	TokenHash string `json:"-"`
	CodeHash  string `json:"-"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
	Used      bool   `json:"used"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FieldDelta is one entry of a structured diff between two snapshots.
type FieldDelta struct {
	Field      string `json:"field"`
	Before     any    `json:"before,omitempty"`
	After      any    `json:"after,omitempty"`
	ChangeKind string `json:"change_kind" enum:"added,removed,modified,unchanged"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
