package server

import (
	"bytes"
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

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"stage SERVICE_DAY requirements not met"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the case lifecycle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Caseflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	m := cfg.Metrics
	if m == nil {
		m = cfg.Engine.Metrics
	}
	router.Handle("/metrics", m.Handler())
	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group)
	registerWorkflow(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerCompliance(group, cfg.Engine)
	registerAutomation(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, auth.ErrMissingActor) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role, "action": fe.Action})
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, ve.Code, err.Error(), details)
	}
	var pe *domain.PreconditionFailedError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusPreconditionFailed, "precondition_failed", err.Error(), map[string]any{"gate_status": pe.Gate})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "storage_error", err.Error(), map[string]any{"op": se.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusPreconditionFailed:
		return "precondition_failed"
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
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
    <title>Caseflow API Docs</title>
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

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		v, err := migrate.Version(ctx, e.DB)
		if err != nil {
			return nil, handleError(domain.WrapStorage("schema version", err))
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", SchemaVersion: v}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current staff member",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{StaffID: staff.StaffID, Name: staff.Name, Role: staff.Role, Source: p.Source}}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/workflow",
		Summary:     "Stage catalogue in order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []workflow.Summary `json:"body"`
	}, error) {
		return &struct {
			Body []workflow.Summary `json:"body"`
		}{Body: e.Workflow.Summaries()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/workflow/stages/{stage}",
		Summary:     "Describe one stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage"`
	}) (*struct {
		Body workflow.Summary `json:"body"`
	}, error) {
		s, err := e.Workflow.Summary(input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Summary `json:"body"`
		}{Body: s}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CaseCreateOptions{
			Reference:   input.Body.Reference,
			DisplayName: input.Body.DisplayName,
			Actor:       staff,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		items, err := e.ListCases(ctx, input.Stage, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseDetailResponse `json:"body"`
	}, error) {
		c, err := e.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CaseDetailResponse{Case: c}
		if s, err := e.Workflow.Summary(c.Stage); err == nil {
			resp.Workflow = s
		}
		return &struct {
			Body CaseDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/transition",
		Summary:     "Move a case to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusPreconditionFailed,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ToStage) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", map[string]any{"field": "to_stage"})
		}
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TransitionCase(ctx, engine.TransitionOptions{
			CaseID:  input.CaseID,
			ToStage: input.Body.ToStage,
			Note:    input.Body.Note,
			Actor:   staff,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})
}

func registerCompliance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-case-compliance",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/compliance",
		Summary:     "Checklist, documents and gates of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body ComplianceResponse `json:"body"`
	}, error) {
		view, err := e.CaseCompliance(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplianceResponse `json:"body"`
		}{Body: complianceResponse(view)}, nil
	})

	register := func(kind, operationID, segment string) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPatch,
			Path:        "/cases/{case_id}/compliance/" + segment + "/{item_id}",
			Summary:     "Update " + kind + " status",
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			CaseID string                  `path:"case_id"`
			ItemID string                  `path:"item_id"`
			Body   ComplianceUpdateRequest `json:"body"`
		}) (*struct {
			Body ComplianceUpdateResponse `json:"body"`
		}, error) {
			if len(bodyBytes(ctx)) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
			}
			staff, authErr := staffFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := e.UpdateComplianceItem(ctx, engine.ComplianceUpdateOptions{
				Kind:         kind,
				CaseID:       input.CaseID,
				ItemID:       input.ItemID,
				Status:       input.Body.Status,
				Notes:        input.Body.Notes,
				WaivedReason: input.Body.WaivedReason,
				Actor:        staff,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ComplianceUpdateResponse `json:"body"`
			}{Body: ComplianceUpdateResponse{Item: res.Item, TimelineEvent: eventResponse(res.Event)}}, nil
		})
	}
	register(domain.KindChecklist, "update-checklist-item", "checklist")
	register(domain.KindDocument, "update-document", "documents")
}

func registerAutomation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-case-automation",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/automations/run",
		Summary:     "Evaluate automation rules for a case",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body AutomationRunResponse `json:"body"`
	}, error) {
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunAutomation(ctx, input.CaseID, staff)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutomationRunResponse `json:"body"`
		}{Body: runResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-case-alerts",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/automations",
		Summary:     "Alerts of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID         string `path:"case_id"`
		IncludeHistory bool   `query:"include_history" default:"true" doc:"Include resolved alerts"`
	}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		items, err := e.ListCaseAlerts(ctx, input.CaseID, input.IncludeHistory)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-alerts",
		Method:      http.MethodGet,
		Path:        "/automations/alerts",
		Summary:     "Open alerts across all cases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		items, err := e.ListOpenAlerts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/automations/{alert_id}/resolve",
		Summary:     "Resolve an open alert",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		CaseID  string `path:"case_id"`
		AlertID string `path:"alert_id"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ResolveAlert(ctx, input.CaseID, input.AlertID, staff)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "log-message",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/messages",
		Summary:       "Record a family message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string         `path:"case_id"`
		Body   MessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.LogMessage(ctx, engine.MessageOptions{
			CaseID:    input.CaseID,
			Direction: input.Body.Direction,
			Channel:   input.Body.Channel,
			Body:      input.Body.Body,
			Actor:     staff,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/messages",
		Summary:     "Recent messages of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		items, err := e.ListMessages(ctx, input.CaseID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-charge",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/charges",
		Summary:       "Add a charge to a case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string        `path:"case_id"`
		Body   ChargeRequest `json:"body"`
	}) (*struct {
		Body domain.Charge `json:"body"`
	}, error) {
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RecordCharge(ctx, engine.ChargeOptions{
			CaseID:      input.CaseID,
			Description: input.Body.Description,
			AmountCents: input.Body.AmountCents,
			DueAt:       input.Body.DueAt,
			Actor:       staff,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Charge `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-charges",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/charges",
		Summary:     "Charges of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []domain.Charge `json:"body"`
	}, error) {
		items, err := e.ListCharges(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Charge `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-payment",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/charges/{charge_id}/payments",
		Summary:     "Apply a payment to a charge",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID   string         `path:"case_id"`
		ChargeID string         `path:"charge_id"`
		Body     PaymentRequest `json:"body"`
	}) (*struct {
		Body domain.Charge `json:"body"`
	}, error) {
		staff, authErr := staffFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RecordPayment(ctx, input.CaseID, input.ChargeID, input.Body.AmountCents, staff)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Charge `json:"body"`
		}{Body: c}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/events",
		Summary:     "Case timeline, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.CaseEvents(ctx, repo.EventFilters{CaseID: input.CaseID, Type: input.Type, Limit: limit + 1, Cursor: cursorID})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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
