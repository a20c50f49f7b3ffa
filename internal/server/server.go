package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"traceline/internal/audit"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"decision moved to version 4 since base 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_version\":4}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerStatusChanges(group, cfg.Engine)
	registerLinks(group, cfg.Engine)
	registerPortal(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"current_version": ce.CurrentVersion,
			"base_version":    ce.BaseVersion,
		})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	var le engine.LinkInvalidError
	if errors.As(err, &le) {
		return newAPIError(http.StatusConflict, "link_invalid", err.Error(), map[string]any{"reason": le.Reason})
	}
	var oe engine.OTPError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, oe.Reason, err.Error(), nil)
	}
	if errors.Is(err, audit.ErrIntegrity) {
		// The chain no longer recomputes; writes are refused until an
		// operator intervenes. Surface nothing beyond the fact.
		log.Printf("ERROR: audit integrity violation: %v", err)
		return newAPIError(http.StatusInternalServerError, "integrity_violation", "audit log integrity violation", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "revoke and reissue"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Traceline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, strPtrValue(input.Body.Description))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Create decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID := defaultProjectID(e)
		if input.Body.ProjectID != nil {
			projectID = *input.Body.ProjectID
		}
		if projectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		d, err := e.CreateDecision(ctx, projectID, input.Body.Fields, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List decisions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:",draft,pending,approved,rejected"`
		Limit     int    `query:"limit" default:"50"`
		Offset    int    `query:"offset"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		projectID := input.ProjectID
		if projectID == "" {
			projectID = defaultProjectID(e)
		}
		items, err := e.Repo.ListDecisions(ctx, repo.DecisionFilters{
			ProjectID: projectID,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
			Offset:    input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DecisionResponse, 0, len(items))
		for _, d := range items {
			out = append(out, decisionResponse(d))
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Get decision with current content",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := decisionResponse(d)
		if v, err := e.Repo.GetDecisionVersion(ctx, d.ID, d.CurrentVersion); err == nil {
			resp.Fields = &v.Fields
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/decisions/{decision_id}/versions",
		Summary:       "Propose a new version against a base version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string               `path:"decision_id"`
		Body       CreateVersionRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BaseVersion < 1 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "base_version is required", nil)
		}
		res, err := e.CreateVersion(ctx, input.DecisionID, input.Body.BaseVersion, input.Body.Fields, strPtrValue(input.Body.Note), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(res.Version)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/versions",
		Summary:     "List version history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body []VersionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDecision(ctx, input.DecisionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDecisionVersions(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]VersionResponse, 0, len(items))
		for _, v := range items {
			out = append(out, versionResponse(v))
		}
		return &struct {
			Body []VersionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/versions/{number}",
		Summary:     "Get one version snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
		Number     int    `path:"number" minimum:"1"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		v, err := e.Repo.GetDecisionVersion(ctx, input.DecisionID, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "diff-versions",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/diff",
		Summary:     "Structured diff between two versions",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
		From       int    `query:"from" minimum:"1"`
		To         int    `query:"to" minimum:"1"`
		Full       bool   `query:"full"`
	}) (*struct {
		Body DiffResponse `json:"body"`
	}, error) {
		if input.From < 1 || input.To < 1 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to are required", nil)
		}
		deltas, err := e.DiffVersions(ctx, input.DecisionID, input.From, input.To, input.Full)
		if err != nil {
			return nil, handleError(err)
		}
		if deltas == nil {
			deltas = []domain.FieldDelta{}
		}
		return &struct {
			Body DiffResponse `json:"body"`
		}{Body: DiffResponse{
			DecisionID: input.DecisionID,
			From:       input.From,
			To:         input.To,
			Deltas:     deltas,
		}}, nil
	})
}

func registerStatusChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-status",
		Method:      http.MethodPatch,
		Path:        "/decisions/{decision_id}/status",
		Summary:     "Change decision lifecycle status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string              `path:"decision_id"`
		Body       UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateStatus(ctx, input.DecisionID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerLinks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-link",
		Method:        http.MethodPost,
		Path:          "/decisions/{decision_id}/links",
		Summary:       "Issue a share link",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string           `path:"decision_id"`
		Body       IssueLinkRequest `json:"body"`
	}) (*struct {
		Body IssuedLinkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issued, err := e.IssueLink(ctx, input.DecisionID, engine.IssueLinkOptions{
			ExpiresAt:   input.Body.ExpiresAt,
			OTPRequired: input.Body.OTPRequired,
			MaxUsage:    input.Body.MaxUsage,
			OptionID:    input.Body.OptionID,
			TrackLatest: input.Body.TrackLatest,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssuedLinkResponse `json:"body"`
		}{Body: IssuedLinkResponse{
			Link:  linkResponse(issued.Link),
			Token: issued.Token,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-links",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/links",
		Summary:     "List share links for a decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body []LinkResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDecision(ctx, input.DecisionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListShareLinks(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LinkResponse, 0, len(items))
		for _, l := range items {
			out = append(out, linkResponse(l))
		}
		return &struct {
			Body []LinkResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extend-link",
		Method:      http.MethodPost,
		Path:        "/links/{link_id}/extend",
		Summary:     "Extend a link's expiry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LinkID string            `path:"link_id"`
		Body   ExtendLinkRequest `json:"body"`
	}) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ExpiresAt == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "expires_at is required", nil)
		}
		l, err := e.ExtendLink(ctx, input.LinkID, input.Body.ExpiresAt, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: linkResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reissue-link",
		Method:        http.MethodPost,
		Path:          "/links/{link_id}/reissue",
		Summary:       "Revoke a link and issue a replacement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LinkID string `path:"link_id"`
	}) (*struct {
		Body IssuedLinkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issued, err := e.ReissueLink(ctx, input.LinkID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssuedLinkResponse `json:"body"`
		}{Body: IssuedLinkResponse{
			Link:  linkResponse(issued.Link),
			Token: issued.Token,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-link",
		Method:      http.MethodPost,
		Path:        "/links/{link_id}/revoke",
		Summary:     "Revoke a link",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LinkID string `path:"link_id"`
	}) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.RevokeLink(ctx, input.LinkID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: linkResponse(l)}, nil
	})
}

// registerPortal exposes the unauthenticated endpoints a link recipient
// uses. Every one of them takes the capability token itself; the auth
// middleware allowlists these paths.
func registerPortal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-link",
		Method:      http.MethodGet,
		Path:        "/links/validate",
		Summary:     "Validate a share token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Token string `query:"token"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		if input.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		v, err := e.ValidateLink(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := validationResponse(ctx, e, v)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consume-link",
		Method:      http.MethodPost,
		Path:        "/links/consume",
		Summary:     "Consume one use of a share token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ConsumeLinkRequest `json:"body"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		v, err := e.ConsumeUsage(ctx, input.Body.Token, strPtrValue(input.Body.OTPCode))
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := validationResponse(ctx, e, v)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-otp",
		Method:      http.MethodPost,
		Path:        "/links/otp",
		Summary:     "Request a step-up code for an OTP-protected link",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RequestOTPRequest `json:"body"`
	}) (*struct {
		Body OTPResponse `json:"body"`
	}, error) {
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		code, err := e.IssueOTP(ctx, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		ttlMinutes := 10
		if e.Config != nil && e.Config.OTP.TTLMinutes > 0 {
			ttlMinutes = e.Config.OTP.TTLMinutes
		}
		// The code is returned in-band here; a deployment with a real
		// notification channel would deliver it out-of-band instead.
		return &struct {
			Body OTPResponse `json:"body"`
		}{Body: OTPResponse{
			Code:      code,
			ExpiresIn: ttlMinutes * 60,
		}}, nil
	})
}

// validationResponse attaches the snapshot the link grants access to: the
// bound version when the link pins one, the current version otherwise.
func validationResponse(ctx context.Context, e engine.Engine, v engine.LinkValidation) (ValidationResponse, error) {
	resp := ValidationResponse{
		Valid:       v.Valid,
		Reason:      v.Reason,
		OTPRequired: v.OTPRequired,
	}
	if !v.Valid || v.Scope == nil {
		return resp, nil
	}
	scope := &ValidationScopeResponse{
		DecisionID:   v.Scope.DecisionID,
		OptionID:     v.Scope.OptionID,
		BoundVersion: v.Scope.BoundVersion,
	}
	d, err := e.Repo.GetDecision(ctx, v.Scope.DecisionID)
	if err != nil {
		return resp, err
	}
	dr := decisionResponse(d)
	scope.Decision = &dr
	number := d.CurrentVersion
	if v.Scope.BoundVersion != nil {
		number = *v.Scope.BoundVersion
	}
	ver, err := e.Repo.GetDecisionVersion(ctx, v.Scope.DecisionID, number)
	if err != nil {
		return resp, err
	}
	scope.Fields = &ver.Fields
	resp.Scope = scope
	return resp, nil
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ChainID  string `query:"chain_id"`
		ActorID  string `query:"actor_id"`
		Action   string `query:"action"`
		TargetID string `query:"target_id"`
		From     string `query:"from" format:"date-time"`
		To       string `query:"to" format:"date-time"`
		Limit    int    `query:"limit" default:"50"`
		Offset   int    `query:"offset"`
		Order    string `query:"order" enum:",asc,desc" default:"asc"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		entries, err := e.Audit.Query(ctx, audit.Filters{
			ChainID:  input.ChainID,
			ActorID:  input.ActorID,
			Action:   input.Action,
			TargetID: input.TargetID,
			FromTS:   input.From,
			ToTS:     input.To,
			Limit:    normalizeLimit(input.Limit),
			Offset:   input.Offset,
			Desc:     input.Order == "desc",
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, auditEntryResponse(entry))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Verify audit log integrity",
	}, func(ctx context.Context, input *struct {
		ChainID string `query:"chain_id"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		resp := VerifyResponse{Valid: true, Chains: []VerifyChainResponse{}}
		if input.ChainID != "" {
			res, err := e.Audit.VerifyChain(ctx, input.ChainID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Valid = res.Valid
			resp.Chains = append(resp.Chains, VerifyChainResponse{
				ChainID:      input.ChainID,
				Valid:        res.Valid,
				FirstInvalid: res.FirstInvalid,
			})
		} else {
			results, err := e.Audit.VerifyAll(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			ids := make([]string, 0, len(results))
			for id := range results {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				res := results[id]
				if !res.Valid {
					resp.Valid = false
				}
				resp.Chains = append(resp.Chains, VerifyChainResponse{
					ChainID:      id,
					Valid:        res.Valid,
					FirstInvalid: res.FirstInvalid,
				})
			}
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "redact-audit-entry",
		Method:        http.MethodPost,
		Path:          "/audit/{entry_id}/redact",
		Summary:       "Redact a logged payload for retention",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntryID string             `path:"entry_id"`
		Body    RedactEntryRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Audit.Redact(ctx, input.EntryID, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func defaultProjectID(e engine.Engine) string {
	if e.Config != nil {
		return e.Config.Project.ID
	}
	return ""
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
