package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimline/internal/app"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/evaluator"
	"claimline/internal/gateway"
	"claimline/internal/logging"
	"claimline/internal/notify"
	"claimline/internal/repo"
	"claimline/internal/steplog"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     *engine.Engine
	Steps      steplog.Log
	Repo       repo.Repo
	Gateway    gateway.Gateway
	Evaluators *evaluator.Registry
	Hub        *notify.Hub
	Gatherer   prometheus.Gatherer
	Logger     *logging.Logger
	BasePath   string
	Auth       AuthConfig
}

// ConfigFromApp exposes every component of an app context.
func ConfigFromApp(a *app.Context) Config {
	cfg := Config{
		Engine:     a.Engine,
		Steps:      a.Steps,
		Repo:       a.Repo,
		Gateway:    a.Gateway,
		Evaluators: a.Evaluators,
		Hub:        a.Hub,
		Logger:     a.Logger,
		BasePath:   a.Config.Service.BasePath,
		Auth:       AuthConfig{JWTSecret: a.Config.Service.JWTSecret, Logger: a.Logger},
	}
	if a.Metrics != nil {
		cfg.Gatherer = a.Registry
	}
	return cfg
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_busy"`
	Message string         `json:"message" example:"session is processing a claim"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"claim_id\":\"OP-1001\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the claim API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	if cfg.Gateway == nil {
		cfg.Gateway = gateway.SQL{Repo: cfg.Repo}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Claimline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg)
	registerMessages(group, cfg)
	registerSessions(group, cfg)
	registerClaims(group, cfg)
	registerSteps(group, cfg)
	registerStream(router, basePath, cfg.Hub)
	registerMetrics(router, cfg.Gatherer)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

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
	msg := err.Error()
	switch kind := domain.KindOf(err); kind {
	case domain.KindParse, domain.KindConfirmationAmbiguous:
		return newAPIError(http.StatusBadRequest, string(kind), msg, nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case domain.KindSessionBusy, domain.KindClaimBusy:
		return newAPIError(http.StatusConflict, string(kind), msg, nil)
	case domain.KindEvaluatorTimeout, domain.KindEvaluatorTransport:
		return newAPIError(http.StatusBadGateway, string(kind), msg, nil)
	case domain.KindPersistence:
		return newAPIError(http.StatusServiceUnavailable, string(kind), "storage unavailable", map[string]any{"error": msg})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Claimline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when the service has a JWT secret.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok", InFlight: cfg.Engine.InFlight()}
		if cfg.Evaluators != nil {
			for _, s := range cfg.Evaluators.Available() {
				resp.Stages = append(resp.Stages, string(s))
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// registerMessages maps the engine reply onto HTTP. Conversational outcomes
// (unparseable text, unknown claim) are 200 replies carrying error_kind; busy
// guards are 409 and storage failures 503, both with the reply in details.
func registerMessages(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Send an operator message",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body MessageRequest
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		operator := operatorFromContext(ctx)
		reply, err := cfg.Engine.HandleMessage(ctx, input.Body.SessionID, input.Body.Message)
		if err != nil {
			switch domain.KindOf(err) {
			case domain.KindParse, domain.KindNotFound:
			default:
				apiErr := handleError(err)
				if e, ok := apiErr.(*apiError); ok {
					e.Body.Details = map[string]any{"reply": reply}
				}
				return nil, apiErr
			}
		}
		cfg.Logger.Info("server: message handled", "operator", operator, "session_id", reply.SessionID,
			"kind", string(reply.Kind), "state", string(reply.State))
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Reply: reply, Operator: operator}}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	type sessionPath struct {
		SessionID string `path:"session_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Session status",
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		st, err := cfg.Engine.SessionStatus(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Status: st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}",
		Summary:     "Forget a session",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body ClearSessionResponse `json:"body"`
	}, error) {
		removed, err := cfg.Engine.CleanupSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClearSessionResponse `json:"body"`
		}{Body: ClearSessionResponse{SessionID: input.SessionID, Removed: removed}}, nil
	})
}

func registerClaims(api huma.API, cfg Config) {
	type claimPath struct {
		ClaimID string `path:"claim_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}",
		Summary:     "Read a claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *claimPath) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		c, err := cfg.Gateway.ReadByID(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Claim: c, InFlight: contains(cfg.Engine.InFlight(), c.ClaimID)}}, nil
	})

	// Lets another claimline instance use this one as its HTTP claim gateway.
	huma.Register(api, huma.Operation{
		OperationID: "update-claim-status",
		Method:      http.MethodPatch,
		Path:        "/claims/{claim_id}/status",
		Summary:     "Write back a claim status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClaimID string `path:"claim_id"`
		Body    struct {
			Status string `json:"status" enum:"pending,approved,denied,manual_review"`
		}
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if err := cfg.Gateway.UpdateStatus(ctx, input.ClaimID, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		c, err := cfg.Gateway.ReadByID(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Claim: c, InFlight: contains(cfg.Engine.InFlight(), c.ClaimID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claim-steps",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}/steps",
		Summary:     "Workflow steps for a claim",
	}, func(ctx context.Context, input *claimPath) (*struct {
		Body StepsResponse `json:"body"`
	}, error) {
		claimID := strings.ToUpper(strings.TrimSpace(input.ClaimID))
		steps, err := cfg.Steps.Query(ctx, claimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepsResponse `json:"body"`
		}{Body: StepsResponse{ClaimID: claimID, Items: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claim-decisions",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}/decisions",
		Summary:     "Decisions recorded for a claim",
	}, func(ctx context.Context, input *struct {
		ClaimID string `path:"claim_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body DecisionsResponse `json:"body"`
	}, error) {
		claimID := strings.ToUpper(strings.TrimSpace(input.ClaimID))
		items, err := cfg.Repo.ListDecisions(ctx, claimID, steplog.NormalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Decision{}
		}
		return &struct {
			Body DecisionsResponse `json:"body"`
		}{Body: DecisionsResponse{ClaimID: claimID, Items: items}}, nil
	})
}

func registerSteps(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/steps",
		Summary:     "Recent workflow steps across claims",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedSteps `json:"body"`
	}, error) {
		cursor, err := parseStepCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, next, err := cfg.Steps.QueryRecentFrom(ctx, input.Limit, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSteps{Items: items}
		if next.ID != 0 {
			resp.NextCursor = composeCursor(next.Timestamp, strconv.FormatInt(next.ID, 10))
		}
		return &struct {
			Body paginatedSteps `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStream(r chi.Router, basePath string, hub *notify.Hub) {
	if hub == nil {
		return
	}
	r.Get(path.Join(basePath, "steps/stream"), hub.ServeHTTP)
}

func registerMetrics(r chi.Router, g prometheus.Gatherer) {
	if g == nil {
		return
	}
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func parseStepCursor(raw string) (steplog.Cursor, error) {
	ts, id, err := parseCompositeCursor(raw)
	if err != nil || ts == "" {
		return steplog.Cursor{}, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return steplog.Cursor{}, fmt.Errorf("invalid cursor")
	}
	return steplog.Cursor{Timestamp: ts, ID: n}, nil
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
