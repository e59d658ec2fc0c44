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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"innervoice/internal/domain"
	"innervoice/internal/engine"
	"innervoice/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"insufficient funds"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"balance\":\"5.00\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the innervoice API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog(log))
	hcfg := huma.DefaultConfig("innervoice API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerState(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRewards(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerDialogue(group, cfg.Engine)
	registerFocus(group, cfg.Engine)
	registerVoice(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
		})
	}
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientFunds):
		return newAPIError(http.StatusConflict, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func badRequest(field string, err error) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": field})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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
	render := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		doc, _ := json.Marshal(oas)
		return doc
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		doc := render()
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>innervoice API Docs</title>
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

type stateOutput struct {
	Body StateResponse `json:"body"`
}

func stateResult(st domain.State, err error) (*stateOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &stateOutput{Body: stateResponse(st)}, nil
}

func registerState(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Current application state",
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		return stateResult(e.State(ctx))
	})
}

type idPath struct {
	ID string `path:"id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		var d domain.Difficulty
		if input.Body.Difficulty != "" {
			parsed, err := domain.ParseDifficulty(input.Body.Difficulty)
			if err != nil {
				return nil, badRequest("difficulty", err)
			}
			d = parsed
		}
		t, err := e.AddTask(ctx, input.Body.Text, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/toggle",
		Summary:     "Complete or reopen a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.ToggleTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRewards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reward",
		Method:        http.MethodPost,
		Path:          "/rewards",
		Summary:       "Create reward",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRewardRequest `json:"body"`
	}) (*struct {
		Body RewardResponse `json:"body"`
	}, error) {
		cost, err := domain.ParseMoney(input.Body.Cost)
		if err != nil {
			return nil, badRequest("cost", err)
		}
		rw, err := e.AddReward(ctx, input.Body.Text, cost)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RewardResponse `json:"body"`
		}{Body: rewardResponse(rw)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "buy-reward",
		Method:      http.MethodPost,
		Path:        "/rewards/{id}/buy",
		Summary:     "Buy reward",
		Description: "Fails with 409 insufficient_funds when the balance is below the cost; the balance is left unchanged.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *idPath) (*stateOutput, error) {
		if _, err := e.BuyReward(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return stateResult(e.State(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-reward",
		Method:        http.MethodDelete,
		Path:          "/rewards/{id}",
		Summary:       "Delete reward",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteReward(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List rules, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body rulesList `json:"body"`
	}, error) {
		rules, err := e.ListRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body rulesList `json:"body"`
		}{Body: rulesList{Items: mapRules(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		trig, err := domain.ParseTrigger(input.Body.Trigger)
		if err != nil {
			return nil, badRequest("trigger", err)
		}
		persona, err := domain.ParsePersona(input.Body.Persona)
		if err != nil {
			return nil, badRequest("persona", err)
		}
		r, err := e.AddRule(ctx, trig, persona, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{id}",
		Summary:       "Delete rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteRule(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type dialogueOutput struct {
	Body DialogueResponse `json:"body"`
}

func registerDialogue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dialogue",
		Method:      http.MethodGet,
		Path:        "/dialogue",
		Summary:     "Active message and history",
	}, func(ctx context.Context, _ *struct{}) (*dialogueOutput, error) {
		st, err := e.State(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &dialogueOutput{Body: dialogueResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-dialogue",
		Method:      http.MethodPost,
		Path:        "/dialogue/advance",
		Summary:     "Mark the active message as read",
	}, func(ctx context.Context, _ *struct{}) (*dialogueOutput, error) {
		st, err := e.Advance(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &dialogueOutput{Body: dialogueResponse(st)}, nil
	})
}

func registerFocus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "enter-focus",
		Method:      http.MethodPost,
		Path:        "/focus",
		Summary:     "Suspend narration",
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		return stateResult(e.EnterFocus(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "return-to-hub",
		Method:      http.MethodPost,
		Path:        "/focus/return",
		Summary:     "Resume narration",
		Description: "Deferred triggers are flushed after the configured flush delay.",
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		return stateResult(e.ReturnToHub(ctx))
	})
}

func registerVoice(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "consult-voice",
		Method:        http.MethodPost,
		Path:          "/voice",
		Summary:       "Ask a persona for a line",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ConsultRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		persona, err := domain.ParsePersona(input.Body.Persona)
		if err != nil {
			return nil, badRequest("persona", err)
		}
		msg, err := e.Consult(ctx, persona, input.Body.Action, input.Body.Details)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(msg)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"app,task,reward,rule,message"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
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
		items, err := e.Events(ctx, limit+1, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
		})
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
