package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/engine"
	"traceline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("traceline")
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asActor = map[string]string{"X-Actor-Id": "tester"}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env
}

func createDecision(t *testing.T, srv *testServer, title string) DecisionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"fields": map[string]any{"title": title},
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision status %d: %s", res.StatusCode, string(data))
	}
	var d DecisionResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	return d
}

func TestVersionConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	d := createDecision(t, srv, "Pick a database")
	if d.Status != "draft" || d.CurrentVersion != 1 {
		t.Fatalf("new decision %s v%d, want draft v1", d.Status, d.CurrentVersion)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+d.ID+"/versions", map[string]any{
		"base_version": 1,
		"fields":       map[string]any{"title": "Pick a datastore"},
		"note":         "rename",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create version status %d: %s", res.StatusCode, string(data))
	}
	var v VersionResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if v.Number != 2 {
		t.Fatalf("version number %d, want 2", v.Number)
	}

	// A writer still on base 1 gets a conflict that names the live version.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+d.ID+"/versions", map[string]any{
		"base_version": 1,
		"fields":       map[string]any{"title": "stale edit"},
	}, asActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale write status %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "version_conflict" {
		t.Fatalf("error code %q, want version_conflict", env.Error.Code)
	}
	if cur, ok := env.Error.Details["current_version"].(float64); !ok || int(cur) != 2 {
		t.Fatalf("details missing current_version: %v", env.Error.Details)
	}
}

func TestStatusTransitionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	d := createDecision(t, srv, "Pick a database")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/decisions/"+d.ID+"/status", map[string]any{
		"status": "approved",
	}, asActor)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition status %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("error code %q, want invalid_transition", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/decisions/"+d.ID+"/status", map[string]any{
		"status": "pending",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("draft -> pending status %d: %s", res.StatusCode, string(data))
	}
	var updated DecisionResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if updated.Status != "pending" {
		t.Fatalf("status %q, want pending", updated.Status)
	}
}

func TestAuthRequiredForAdminEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"fields": map[string]any{"title": "no credentials"},
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status %d: %s", res.StatusCode, string(data))
	}
}

func TestLinkPortalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	d := createDecision(t, srv, "Pick a database")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+d.ID+"/links", map[string]any{
		"max_usage": 2,
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue link status %d: %s", res.StatusCode, string(data))
	}
	var issued IssuedLinkResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatalf("unmarshal issued link: %v", err)
	}
	if issued.Token == "" {
		t.Fatal("issue response missing plaintext token")
	}

	// Recipient endpoints need no credentials, only the token.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/links/validate?token="+issued.Token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var validation ValidationResponse
	if err := json.Unmarshal(data, &validation); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if !validation.Valid || validation.Scope == nil || validation.Scope.DecisionID != d.ID {
		t.Fatalf("validation wrong: %+v", validation)
	}
	if validation.Scope.Fields == nil || validation.Scope.Fields.Title != "Pick a database" {
		t.Fatalf("scope not resolved to content: %+v", validation.Scope)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/links/consume", map[string]any{
		"token": issued.Token,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consume status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/links/"+issued.Link.ID+"/revoke", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/links/validate?token="+issued.Token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate after revoke status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &validation); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if validation.Valid || validation.Reason != "revoked" {
		t.Fatalf("revoked link validated as %+v", validation)
	}
}

func TestAuditVerifyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	d := createDecision(t, srv, "Pick a database")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify?chain_id="+d.ID, nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verify.Valid {
		t.Fatalf("fresh chain invalid: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?chain_id="+d.ID, nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit query status %d: %s", res.StatusCode, string(data))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "decision_created" {
		t.Fatalf("audit trail wrong: %s", string(data))
	}
}

func TestAuditRedactOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	d := createDecision(t, srv, "Pick a database")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?chain_id="+d.ID, nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit query status %d: %s", res.StatusCode, string(data))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/audit/"+entries[0].ID+"/redact", map[string]any{
		"reason": "retention policy",
	}, asActor)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("redact status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?chain_id="+d.ID, nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit query status %d: %s", res.StatusCode, string(data))
	}
	entries = nil
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected redaction to be audited, got %d entries", len(entries))
	}
	if !entries[0].Redacted || len(entries[0].Details) != 0 {
		t.Fatalf("redacted entry still carries payload: %+v", entries[0])
	}
	if entries[1].Action != "entry_redacted" {
		t.Fatalf("tail action %q, want entry_redacted", entries[1].Action)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify?chain_id="+d.ID, nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verify.Valid {
		t.Fatalf("redaction broke the chain: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/audit/missing/redact", map[string]any{
		"reason": "retention policy",
	}, asActor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("redact of unknown entry status %d: %s", res.StatusCode, string(data))
	}
}
