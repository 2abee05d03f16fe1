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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"journeygate/internal/actions"
	"journeygate/internal/domain"
	"journeygate/internal/engine"
	"journeygate/internal/engine/auth"
	"journeygate/internal/journey"
	"journeygate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Runner executes approved requests; dispatch and run return 503 without it.
	Runner *actions.Runner
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"professional_review_required"`
	Message string         `json:"message" example:"licensed professional review required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type out[T any] struct {
	Body T
}

type created[T any] struct {
	Status int
	Body   T
}

// New returns an HTTP handler exposing the journeygate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("journeygate API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, runner: cfg.Runner}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMessages(group, h)
	registerJourneys(group, h)
	registerActions(group, h)
	registerEvents(group, h)
	registerRBAC(group, h)
	registerAPIKeys(group, h)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.DevLogin)
	return router, nil
}

type handlers struct {
	e      engine.Engine
	runner *actions.Runner
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var fe auth.ForbiddenError
	var te *domain.TransitionError
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"permission": fe.Permission})
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrUnknownActionType):
		return newAPIError(http.StatusBadRequest, "unknown_action_type", msg, nil)
	case errors.Is(err, domain.ErrInvalidParams):
		return newAPIError(http.StatusBadRequest, "invalid_params", msg, nil)
	case errors.Is(err, engine.ErrInvalidEvent):
		return newAPIError(http.StatusBadRequest, "invalid_event", msg, nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_state_transition", msg, map[string]any{"from": te.From, "to": te.To})
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return newAPIError(http.StatusConflict, "invalid_state_transition", msg, nil)
	case errors.Is(err, domain.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrProfessionalReviewRequired):
		return newAPIError(http.StatusConflict, "professional_review_required", msg, nil)
	case errors.Is(err, engine.ErrNoExecutor):
		return newAPIError(http.StatusUnprocessableEntity, "no_executor", msg, nil)
	case errors.Is(err, actions.ErrQueueFull):
		return newAPIError(http.StatusServiceUnavailable, "queue_full", msg, nil)
	case strings.HasSuffix(msg, " required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, devLogin bool) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, devLogin)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, devLogin bool) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{path.Join(basePath, "health"): true}
	if devLogin {
		open[path.Join(basePath, "auth/dev/login")] = true
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>journeygate API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return &out[map[string]string]{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMessages(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "handle-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Classify a user message and gate the proposed actions",
		Tags:        []string{"orchestrator"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body MessageRequest
	}) (*out[engine.MessageResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := h.e.HandleMessage(ctx, p, toMessageRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &out[engine.MessageResponse]{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-message",
		Method:      http.MethodPost,
		Path:        "/classify",
		Summary:     "Classify a message without touching any journey",
		Tags:        []string{"orchestrator"},
	}, func(ctx context.Context, input *struct {
		Body ClassifyRequest
	}) (*out[domain.MediationResult], error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &out[domain.MediationResult]{Body: h.e.Classify(input.Body.Message, input.Body.Locale)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-types",
		Method:      http.MethodGet,
		Path:        "/action-types",
		Summary:     "Registered action types",
		Tags:        []string{"orchestrator"},
	}, func(ctx context.Context, _ *struct{}) (*out[listActionTypes], error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &out[listActionTypes]{Body: listActionTypes{Items: nonNilSlice(h.e.Registry.List())}}, nil
	})
}

func journeyResponse(j domain.Journey) JourneyResponse {
	return JourneyResponse{
		Journey:    j,
		StageLabel: journey.Label(j.State, j.Context.Locale),
		Progress:   journey.Progress(j.State),
	}
}

func registerJourneys(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "start-journey",
		Method:      http.MethodPost,
		Path:        "/journeys",
		Summary:     "Start (or return) the journey of a user",
		Tags:        []string{"journeys"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body StartJourneyRequest
	}) (*created[JourneyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, isNew, err := h.e.EnsureJourney(ctx, p, strings.TrimSpace(input.Body.UserID), input.Body.Locale)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if isNew {
			status = http.StatusCreated
		}
		return &created[JourneyResponse]{Status: status, Body: journeyResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journeys",
		Method:      http.MethodGet,
		Path:        "/journeys",
		Summary:     "List journeys",
		Tags:        []string{"journeys"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		State     string `query:"state"`
		Escalated string `query:"escalated" doc:"true or false"`
		Limit     int    `query:"limit" default:"50"`
	}) (*out[listJourneys], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.JourneyFilters{State: input.State, Limit: normalizeLimit(input.Limit)}
		if input.Escalated != "" {
			v := input.Escalated == "true"
			f.Escalated = &v
		}
		items, err := h.e.ListJourneys(ctx, p, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := listJourneys{Items: []JourneyResponse{}}
		for _, j := range items {
			resp.Items = append(resp.Items, journeyResponse(j))
		}
		return &out[listJourneys]{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journey",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}",
		Summary:     "Get journey",
		Tags:        []string{"journeys"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[JourneyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := h.e.GetJourney(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[JourneyResponse]{Body: journeyResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user-journey",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/journey",
		Summary:     "Get the journey of a user",
		Tags:        []string{"journeys"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*out[JourneyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := h.e.GetJourneyByUser(ctx, p, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[JourneyResponse]{Body: journeyResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-journey-event",
		Method:      http.MethodPost,
		Path:        "/journeys/{id}/events",
		Summary:     "Send a journey event",
		Description: "Events that do not apply in the current stage are recorded and reported with outcome guard_rejected or unhandled; the journey is left untouched.",
		Tags:        []string{"journeys"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body JourneyEventRequest
	}) (*out[JourneyChangeResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev := journey.Event{
			Type:       journey.EventType(strings.TrimSpace(input.Body.Type)),
			PropertyID: input.Body.PropertyID,
			Amount:     input.Body.Amount,
			Date:       input.Body.Date,
		}
		change, err := h.e.SendJourneyEvent(ctx, p, input.ID, ev, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[JourneyChangeResponse]{Body: JourneyChangeResponse{
			Journey: journeyResponse(change.Journey),
			Event:   string(change.Event),
			From:    change.From,
			To:      change.To,
			Outcome: string(change.Outcome),
			Guard:   change.Guard,
			Gated:   nonNilSlice(change.Gated),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-journey",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}/replay",
		Summary:     "Rebuild a journey from its audit log",
		Tags:        []string{"journeys"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[JourneyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := h.e.ReplayJourney(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[JourneyResponse]{Body: journeyResponse(j)}, nil
	})
}

func registerActions(api huma.API, h handlers) {
	type actionPath struct {
		ID string `path:"id"`
	}
	actionErrors := []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict}

	huma.Register(api, huma.Operation{
		OperationID:   "propose-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Propose an action",
		Tags:          []string{"actions"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ProposeActionRequest
	}) (*out[domain.ActionRequest], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.JourneyID == "" && input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "journey_id or user_id required", nil)
		}
		req, err := h.e.ProposeAction(ctx, p, engine.ProposeOptions{
			JourneyID: input.Body.JourneyID,
			UserID:    input.Body.UserID,
			Type:      input.Body.Type,
			Params:    input.Body.Params,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &out[domain.ActionRequest]{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List action requests",
		Description: "Callers without journey.any only see their own requests.",
		Tags:        []string{"actions"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		JourneyID string   `query:"journey_id"`
		UserID    string   `query:"user_id"`
		Status    []string `query:"status,explode"`
		Type      string   `query:"type"`
		Limit     int      `query:"limit" default:"50"`
	}) (*out[listActions], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.ActionFilters{JourneyID: input.JourneyID, UserID: input.UserID, Type: input.Type, Limit: normalizeLimit(input.Limit)}
		for _, s := range input.Status {
			f.Status = append(f.Status, domain.ActionStatus(s))
		}
		items, err := h.e.ListActions(ctx, p, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[listActions]{Body: listActions{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get action request with its result when executed",
		Tags:        []string{"actions"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *actionPath) (*out[ActionResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.GetAction(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ActionResponse{ActionRequest: req}
		if req.Status == domain.StatusExecuted || req.Status == domain.StatusFailed {
			res, err := h.e.GetActionResult(ctx, p, input.ID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			if err == nil {
				resp.Result = &res
			}
		}
		return &out[ActionResponse]{Body: resp}, nil
	})

	for _, op := range []struct {
		id, verb, summary string
		fn                func(context.Context, auth.Principal, string) (domain.ActionRequest, error)
	}{
		{"approve-action", "approve", "Approve a pending action request", h.e.ApproveAction},
		{"deny-action", "deny", "Deny a pending action request", h.e.DenyAction},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/actions/{id}/" + op.verb,
			Summary:     op.summary,
			Tags:        []string{"actions"},
			Errors:      actionErrors,
		}, func(ctx context.Context, input *actionPath) (*out[domain.ActionRequest], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			req, err := fn(ctx, p, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &out[domain.ActionRequest]{Body: req}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "record-action-result",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/result",
		Summary:     "Record the outcome of an approved request executed elsewhere",
		Tags:        []string{"actions"},
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ActionResultRequest
	}) (*out[domain.ActionRequest], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := h.e.AuthorizeExecution(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		req, err := h.e.RecordResult(ctx, p, domain.ActionResult{
			ActionID: input.ID,
			Success:  input.Body.Success,
			Result:   input.Body.Result,
			Error:    input.Body.Error,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &out[domain.ActionRequest]{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "dispatch-action",
		Method:        http.MethodPost,
		Path:          "/actions/{id}/dispatch",
		Summary:       "Queue an approved request for execution",
		Tags:          []string{"actions"},
		DefaultStatus: http.StatusAccepted,
		Errors:        append([]int{http.StatusUnprocessableEntity, http.StatusServiceUnavailable}, actionErrors...),
	}, func(ctx context.Context, input *actionPath) (*out[domain.ActionRequest], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if h.runner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "runner_unavailable", "action runner not configured", nil)
		}
		req, err := h.e.DispatchAction(ctx, p, input.ID, h.runner)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[domain.ActionRequest]{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/run",
		Summary:     "Execute an approved request and wait for its result",
		Tags:        []string{"actions"},
		Errors:      append([]int{http.StatusUnprocessableEntity, http.StatusServiceUnavailable}, actionErrors...),
	}, func(ctx context.Context, input *actionPath) (*out[ActionResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if h.runner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "runner_unavailable", "action runner not configured", nil)
		}
		req, res, err := h.e.RunAction(ctx, p, input.ID, h.runner)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[ActionResponse]{Body: ActionResponse{ActionRequest: req, Result: &res}}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		JourneyID  string `query:"journey_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := h.e.ListEvents(ctx, p, limit+1, cursor, repo.EventFilters{
			JourneyID:  input.JourneyID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &out[paginatedEvents]{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal with effective roles and permissions",
		Tags:        []string{"rbac"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*out[domain.ActorProfile], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prof, err := h.e.Profile(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		prof.Roles = nonNilSlice(prof.Roles)
		prof.Permissions = nonNilSlice(prof.Permissions)
		return &out[domain.ActorProfile]{Body: prof}, nil
	})

	for _, op := range []struct {
		id, verb string
		fn       func(context.Context, auth.Principal, string, string) error
	}{
		{"grant-role", "grant", h.e.GrantRole},
		{"revoke-role", "revoke", h.e.RevokeRole},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID:   op.id,
			Method:        http.MethodPost,
			Path:          "/rbac/roles/" + op.verb,
			Summary:       strings.ToUpper(op.verb[:1]) + op.verb[1:] + " role",
			Tags:          []string{"rbac"},
			DefaultStatus: http.StatusNoContent,
			Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest
		}) (*struct{}, error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := fn(ctx, p, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerAPIKeys(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key; the key is returned once",
		Tags:          []string{"rbac"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*out[APIKeyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := h.e.CreateAPIKey(ctx, p, strings.TrimSpace(input.Body.ActorID), input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &out[APIKeyResponse]{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Tags:        []string{"rbac"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*out[listAPIKeys], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := h.e.ListAPIKeys(ctx, p, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := listAPIKeys{Items: []APIKeyResponse{}}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k))
		}
		return &out[listAPIKeys]{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{id}",
		Summary:       "Revoke an API key",
		Tags:          []string{"rbac"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.RevokeAPIKey(ctx, p, input.ID); err != nil {
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
		Tags:        []string{"rbac"},
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*out[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &out[DevLoginResponse]{Body: DevLoginResponse{Token: token}}, nil
	})
}

const devTokenTTL = 12 * time.Hour

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
