package engine_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"traceline/internal/audit"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/repo"
)

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func newLinkedDecision(t *testing.T, env testEnv) domain.Decision {
	t.Helper()
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", fields("Pick a database"), "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	return d
}

func TestIssueLinkStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if len(issued.Token) != 64 {
		t.Fatalf("token length %d, want 64 hex chars", len(issued.Token))
	}
	if issued.Link.TokenHash != repo.HashToken(issued.Token) {
		t.Fatal("stored hash does not match token")
	}
	if issued.Link.BoundVersion == nil || *issued.Link.BoundVersion != 1 {
		t.Fatalf("link not bound to issue-time version: %+v", issued.Link.BoundVersion)
	}
	// Default policy applies a TTL.
	if issued.Link.ExpiresAt == nil {
		t.Fatal("expected config default expiry on the link")
	}

	stored, err := env.Engine.Repo.GetShareLinkByTokenHash(env.Ctx, repo.HashToken(issued.Token))
	if err != nil {
		t.Fatalf("lookup by token hash: %v", err)
	}
	if stored.ID != issued.Link.ID {
		t.Fatalf("lookup returned link %s, want %s", stored.ID, issued.Link.ID)
	}

	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{ChainID: d.ID, Action: audit.ActionLinkIssued})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one link_issued entry, got %d", len(entries))
	}
	if strings.Contains(entries[0].DetailsJSON, issued.Token) {
		t.Fatal("plaintext token leaked into the audit log")
	}
}

func TestIssueLinkValidatesOption(t *testing.T) {
	env := newTestEnv(t)
	f := fields("Pick a database")
	f.Options = []domain.DecisionOption{{ID: "sqlite", Label: "SQLite"}}
	d, err := env.Engine.CreateDecision(env.Ctx, "proj-1", f, "alice")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if _, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{OptionID: strPtr("nope")}, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown option should be not-found, got %v", err)
	}
	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{OptionID: strPtr("sqlite")}, "alice")
	if err != nil {
		t.Fatalf("issue option link: %v", err)
	}
	v, err := env.Engine.ValidateLink(env.Ctx, issued.Token)
	if err != nil || !v.Valid {
		t.Fatalf("validate option link: %+v %v", v, err)
	}
	if v.Scope == nil || v.Scope.OptionID == nil || *v.Scope.OptionID != "sqlite" {
		t.Fatalf("scope missing option: %+v", v.Scope)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Engine.ValidateLink(env.Ctx, "deadbeef")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Valid || v.Reason != engine.ReasonNotFound {
		t.Fatalf("unknown token validated as %+v", v)
	}
}

func TestLinkExpiry(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{
		ExpiresAt: strPtr("2024-01-01T01:00:00Z"),
	}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if v, err := env.Engine.ValidateLink(env.Ctx, issued.Token); err != nil || !v.Valid {
		t.Fatalf("fresh link should validate: %+v %v", v, err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
	v, err := env.Engine.ValidateLink(env.Ctx, issued.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Valid || v.Reason != engine.ReasonExpired {
		t.Fatalf("expired link validated as %+v", v)
	}
}

func TestIssueLinkRejectsPastExpiry(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)
	if _, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{
		ExpiresAt: strPtr("2023-12-31T00:00:00Z"),
	}, "alice"); err == nil {
		t.Fatal("past expiry accepted")
	}
}

func TestUsageCapConsumption(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{MaxUsage: intPtr(1)}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	first, err := env.Engine.ConsumeUsage(env.Ctx, issued.Token, "")
	if err != nil || !first.Valid {
		t.Fatalf("first consumption: %+v %v", first, err)
	}

	// Exhaustion is reported as data, not as an error.
	second, err := env.Engine.ConsumeUsage(env.Ctx, issued.Token, "")
	if err != nil {
		t.Fatalf("second consumption errored: %v", err)
	}
	if second.Valid || second.Reason != engine.ReasonUsageExceeded {
		t.Fatalf("exhausted link consumed as %+v", second)
	}
	if v, _ := env.Engine.ValidateLink(env.Ctx, issued.Token); v.Valid || v.Reason != engine.ReasonUsageExceeded {
		t.Fatalf("exhausted link validated as %+v", v)
	}

	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{ChainID: d.ID, Action: audit.ActionLinkConsumed})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one link_consumed entry, got %d", len(entries))
	}
}

func TestConsumeUsageConcurrentRace(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{MaxUsage: intPtr(1)}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	results := make([]engine.LinkValidation, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.ConsumeUsage(env.Ctx, issued.Token, "")
		}(i)
	}
	wg.Wait()

	var wins, exhausted int
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("consumption %d errored: %v", i, errs[i])
		}
		switch {
		case results[i].Valid:
			wins++
		case results[i].Reason == engine.ReasonUsageExceeded:
			exhausted++
		default:
			t.Fatalf("unexpected result: %+v", results[i])
		}
	}
	if wins != 1 || exhausted != 1 {
		t.Fatalf("wins=%d exhausted=%d, want exactly one of each", wins, exhausted)
	}

	stored, err := env.Engine.Repo.GetShareLink(env.Ctx, issued.Link.ID)
	if err != nil || stored.UsageCount != 1 {
		t.Fatalf("usage count = %d (%v), want 1", stored.UsageCount, err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if _, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "alice"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if _, err := env.Engine.RevokeLink(env.Ctx, issued.Link.ID, "alice"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	v, err := env.Engine.ValidateLink(env.Ctx, issued.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Valid || v.Reason != engine.ReasonRevoked {
		t.Fatalf("revoked link validated as %+v", v)
	}

	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{ChainID: d.ID, Action: audit.ActionLinkRevoked})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both revocations audited, got %d entries", len(entries))
	}
}

func TestReissueRotatesTokenKeepsPolicy(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{
		MaxUsage:    intPtr(3),
		OTPRequired: boolPtr(true),
	}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	reissued, err := env.Engine.ReissueLink(env.Ctx, issued.Link.ID, "alice")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if reissued.Token == issued.Token {
		t.Fatal("reissue did not rotate the token")
	}
	if reissued.Link.MaxUsage == nil || *reissued.Link.MaxUsage != 3 || !reissued.Link.OTPRequired {
		t.Fatalf("policy not copied: %+v", reissued.Link)
	}
	if reissued.Link.BoundVersion == nil || *reissued.Link.BoundVersion != *issued.Link.BoundVersion {
		t.Fatalf("scope not copied: %+v", reissued.Link)
	}

	old, err := env.Engine.ValidateLink(env.Ctx, issued.Token)
	if err != nil {
		t.Fatalf("validate old: %v", err)
	}
	if old.Valid || old.Reason != engine.ReasonRevoked {
		t.Fatalf("old token still usable: %+v", old)
	}
	fresh, err := env.Engine.ValidateLink(env.Ctx, reissued.Token)
	if err != nil || !fresh.Valid {
		t.Fatalf("new token invalid: %+v %v", fresh, err)
	}

	// Reissuing the now-dead link again must fail.
	if _, err := env.Engine.ReissueLink(env.Ctx, issued.Link.ID, "alice"); err == nil {
		t.Fatal("reissue of a revoked link succeeded")
	}
}

func TestExtendRefusesToShorten(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{
		ExpiresAt: strPtr("2024-01-02T00:00:00Z"),
	}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	_, err = env.Engine.ExtendLink(env.Ctx, issued.Link.ID, "2024-01-01T12:00:00Z", "alice")
	if err == nil || !strings.Contains(err.Error(), "revoke and reissue") {
		t.Fatalf("shortening should be rejected, got %v", err)
	}

	extended, err := env.Engine.ExtendLink(env.Ctx, issued.Link.ID, "2024-01-05T00:00:00Z", "alice")
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if extended.ExpiresAt == nil || *extended.ExpiresAt != "2024-01-05T00:00:00Z" {
		t.Fatalf("expiry not extended: %+v", extended.ExpiresAt)
	}

	// Still valid past the original expiry.
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) }
	if v, _ := env.Engine.ValidateLink(env.Ctx, issued.Token); !v.Valid {
		t.Fatalf("extended link invalid: %+v", v)
	}
}

func TestOTPStepUp(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)

	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{OTPRequired: boolPtr(true)}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	_, err = env.Engine.ConsumeUsage(env.Ctx, issued.Token, "")
	var otpErr engine.OTPError
	if !errors.As(err, &otpErr) || otpErr.Reason != "otp_required" {
		t.Fatalf("expected otp_required, got %v", err)
	}

	code, err := env.Engine.IssueOTP(env.Ctx, issued.Token)
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("otp code %q, want 6 digits", code)
	}

	v, err := env.Engine.ConsumeUsage(env.Ctx, issued.Token, code)
	if err != nil || !v.Valid {
		t.Fatalf("consume with code: %+v %v", v, err)
	}

	// Codes are single use.
	_, err = env.Engine.ConsumeUsage(env.Ctx, issued.Token, code)
	if !errors.As(err, &otpErr) || otpErr.Reason != "otp_invalid" {
		t.Fatalf("expected otp_invalid on reuse, got %v", err)
	}
}

func TestIssueOTPRequiresOTPLink(t *testing.T) {
	env := newTestEnv(t)
	d := newLinkedDecision(t, env)
	issued, err := env.Engine.IssueLink(env.Ctx, d.ID, engine.IssueLinkOptions{}, "alice")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if _, err := env.Engine.IssueOTP(env.Ctx, issued.Token); err == nil {
		t.Fatal("otp minted for a link that does not require it")
	}
}
