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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lotline/internal/engine"
	"lotline/internal/lifecycle"
	"lotline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_rejected"`
	Message string         `json:"message" example:"PDI 55% below required 70%"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"threshold\":70,\"actual\":55}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Lotline API.
func New(cfg Config) (http.Handler, error) {
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
	hcfg := huma.DefaultConfig("Lotline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerRegistries(group, cfg.Engine)
	registerLots(group, cfg.Engine)
	registerProofs(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func rejectionDetails(r *lifecycle.Rejection) map[string]any {
	details := map[string]any{
		"code": string(r.Code),
		"from": string(r.From),
		"to":   string(r.To),
	}
	if r.Field != "" {
		details["field"] = r.Field
	}
	if r.Threshold != 0 {
		details["threshold"] = r.Threshold
		details["actual"] = r.Actual
	}
	return details
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if te, ok := engine.AsTransitionError(err); ok {
		if te.Rejection.Code == lifecycle.ReasonIllegalTransition {
			return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), rejectionDetails(te.Rejection))
		}
		return newAPIError(http.StatusUnprocessableEntity, "transition_rejected", err.Error(), rejectionDetails(te.Rejection))
	}
	if errors.Is(err, repo.ErrStaleEntity) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "frozen") || strings.Contains(lowered, "completed order"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "exceeds"):
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
		return "transition_rejected"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Lotline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	type registryPath struct {
		RegistryID string `path:"registry_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/status",
		Summary:     "Registry status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *registryPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		reg, err := e.Repo.GetRegistry(ctx, registryID)
		if err != nil {
			return nil, handleError(err)
		}
		lotCounts, err := e.Repo.CountLotsByState(ctx, reg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		orderCounts, err := e.Repo.CountOrdersByState(ctx, reg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		claimCounts, err := e.Repo.CountClaimsByState(ctx, reg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"registry_id":  reg.ID,
			"name":         reg.Name,
			"lot_counts":   lotCounts,
			"order_counts": orderCounts,
			"claim_counts": claimCounts,
		}}, nil
	})
}

func registerRegistries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-registry",
		Method:        http.MethodPost,
		Path:          "/registries",
		Summary:       "Create registry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRegistryRequest `json:"body"`
	}) (*struct {
		Body RegistryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reg, err := e.EnsureRegistry(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegistryResponse `json:"body"`
		}{Body: registryResponse(reg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-registries",
		Method:      http.MethodGet,
		Path:        "/registries",
		Summary:     "List registries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RegistryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRegistries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RegistryResponse, 0, len(items))
		for _, reg := range items {
			res = append(res, registryResponse(reg))
		}
		return &struct {
			Body []RegistryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-registry",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}",
		Summary:     "Get registry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
	}) (*struct {
		Body RegistryResponse `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		reg, err := e.Repo.GetRegistry(ctx, registryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegistryResponse `json:"body"`
		}{Body: registryResponse(reg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-registry-config",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/config",
		Summary:     "Get registry config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
	}) (*struct {
		Body RegistryConfigResponse `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		cfg, err := e.Repo.GetRegistryConfig(ctx, registryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegistryConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerLots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lot",
		Method:        http.MethodPost,
		Path:          "/registries/{registry_id}/lots",
		Summary:       "Create lot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string           `path:"registry_id"`
		Body       CreateLotRequest `json:"body"`
	}) (*struct {
		Body LotResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		opts := engine.LotCreateOptions{
			RegistryID:    registryID,
			ProjectID:     input.Body.ProjectID,
			VintageYear:   input.Body.VintageYear,
			Quantity:      input.Body.Quantity,
			PricePerTonne: input.Body.PricePerTonne,
			ActorID:       actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		l, err := e.CreateLot(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotResponse `json:"body"`
		}{Body: lotResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lots",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/lots",
		Summary:     "List lots",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RegistryID  string `path:"registry_id"`
		ProjectID   string `query:"project_id"`
		State       string `query:"state"`
		VintageYear int    `query:"vintage_year"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedLots `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.LotFilters{
			RegistryID:      registryID,
			ProjectID:       input.ProjectID,
			State:           input.State,
			VintageYear:     input.VintageYear,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		lots, err := e.Repo.ListLots(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLots{Items: []LotResponse{}}
		if len(lots) > limit {
			resp.NextCursor = composeCursor(lots[limit].CreatedAt, lots[limit].ID)
			lots = lots[:limit]
		}
		resp.Items = mapLots(lots)
		return &struct {
			Body paginatedLots `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lot",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/lots/{id}",
		Summary:     "Get lot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body LotResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, l.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "lot not found in registry", nil)
		}
		return &struct {
			Body LotResponse `json:"body"`
		}{Body: lotResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-lot",
		Method:      http.MethodPost,
		Path:        "/registries/{registry_id}/lots/{id}/transition",
		Summary:     "Transition lot state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string               `path:"registry_id"`
		ID         string               `path:"id"`
		Body       TransitionLotRequest `json:"body"`
	}) (*struct {
		Body LotResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetLot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, current.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "lot not found in registry", nil)
		}
		l, err := e.TransitionLot(ctx, engine.LotTransitionOptions{
			ID:                input.ID,
			To:                input.Body.To,
			ActorID:           actorID,
			PricePerTonne:     input.Body.PricePerTonne,
			VerificationProof: input.Body.VerificationProof,
			FinalSaleAmount:   input.Body.FinalSaleAmount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotResponse `json:"body"`
		}{Body: lotResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lot-pdi",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/lots/{id}/pdi",
		Summary:     "Lot proof density index",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body LotScoreResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, l.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "lot not found in registry", nil)
		}
		score, err := e.LotPDI(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotScoreResponse `json:"body"`
		}{Body: lotScoreResponse(score)}, nil
	})
}

func registerProofs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-proof",
		Method:        http.MethodPost,
		Path:          "/registries/{registry_id}/lots/{id}/proofs",
		Summary:       "Add proof to lot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string             `path:"registry_id"`
		ID         string             `path:"id"`
		Body       CreateProofRequest `json:"body"`
	}) (*struct {
		Body ProofResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.Repo.GetLot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, l.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "lot not found in registry", nil)
		}
		opts := engine.ProofCreateOptions{
			LotID:               input.ID,
			Type:                input.Body.Type,
			URI:                 input.Body.URI,
			ExifValidationScore: input.Body.ExifValidationScore,
			NDVIValidationScore: input.Body.NDVIValidationScore,
			OverallQualityScore: input.Body.OverallQualityScore,
			ActorID:             actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.AddProof(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProofResponse `json:"body"`
		}{Body: proofResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proofs",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/lots/{id}/proofs",
		Summary:     "List lot proofs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body []ProofResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, l.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "lot not found in registry", nil)
		}
		proofs, err := e.Repo.ListLotProofs(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProofResponse `json:"body"`
		}{Body: mapProofs(proofs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-proof",
		Method:      http.MethodPost,
		Path:        "/registries/{registry_id}/proofs/{id}/verify",
		Summary:     "Verify a pending proof",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string             `path:"registry_id"`
		ID         string             `path:"id"`
		Body       VerifyProofRequest `json:"body"`
	}) (*struct {
		Body ProofResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetProof(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, current.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "proof not found in registry", nil)
		}
		p, err := e.VerifyProof(ctx, engine.ProofVerifyOptions{
			ID:                  input.ID,
			ExifValidationScore: input.Body.ExifValidationScore,
			NDVIValidationScore: input.Body.NDVIValidationScore,
			OverallQualityScore: input.Body.OverallQualityScore,
			ActorID:             actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProofResponse `json:"body"`
		}{Body: proofResponse(p)}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/registries/{registry_id}/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string             `path:"registry_id"`
		Body       CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.LotID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lot_id is required", nil)
		}
		if input.Body.BuyerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "buyer_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OrderCreateOptions{
			LotID:         input.Body.LotID,
			BuyerID:       input.Body.BuyerID,
			Quantity:      input.Body.Quantity,
			PricePerTonne: input.Body.PricePerTonne,
			ActorID:       actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		o, err := e.CreateOrder(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, o.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "lot not found in registry", nil)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		LotID      string `query:"lot_id"`
		BuyerID    string `query:"buyer_id"`
		State      string `query:"state"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.OrderFilters{
			RegistryID:      registryID,
			LotID:           input.LotID,
			BuyerID:         input.BuyerID,
			State:           input.State,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		orders, err := e.Repo.ListOrders(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []OrderResponse{}}
		if len(orders) > limit {
			resp.NextCursor = composeCursor(orders[limit].CreatedAt, orders[limit].ID)
			orders = orders[:limit]
		}
		resp.Items = mapOrders(orders)
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/orders/{id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, o.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "order not found in registry", nil)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-order",
		Method:      http.MethodPost,
		Path:        "/registries/{registry_id}/orders/{id}/transition",
		Summary:     "Transition order state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string                 `path:"registry_id"`
		ID         string                 `path:"id"`
		Body       TransitionOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, current.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "order not found in registry", nil)
		}
		o, err := e.TransitionOrder(ctx, engine.OrderTransitionOptions{
			ID:                   input.ID,
			To:                   input.Body.To,
			ActorID:              actorID,
			PaymentConfirmation:  input.Body.PaymentConfirmation,
			EscrowAmount:         input.Body.EscrowAmount,
			EscrowTerms:          input.Body.EscrowTerms,
			DeliveryConfirmation: input.Body.DeliveryConfirmation,
			RefundAmount:         input.Body.RefundAmount,
			RefundReason:         stringOrEmpty(input.Body.RefundReason),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-claim",
		Method:        http.MethodPost,
		Path:          "/registries/{registry_id}/claims",
		Summary:       "Create claim",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string             `path:"registry_id"`
		Body       CreateClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.OrderID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "order_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		badge := e.Config.Claims.BadgeDefault
		if input.Body.BadgeRequested != nil {
			badge = *input.Body.BadgeRequested
		}
		opts := engine.ClaimCreateOptions{
			OrderID:        input.Body.OrderID,
			BadgeRequested: badge,
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateClaim(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, c.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "order not found in registry", nil)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/claims",
		Summary:     "List claims",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		OrderID    string `query:"order_id"`
		LotID      string `query:"lot_id"`
		State      string `query:"state"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedClaims `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.ClaimFilters{
			RegistryID:      registryID,
			OrderID:         input.OrderID,
			LotID:           input.LotID,
			State:           input.State,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		claims, err := e.Repo.ListClaims(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedClaims{Items: []ClaimResponse{}}
		if len(claims) > limit {
			resp.NextCursor = composeCursor(claims[limit].CreatedAt, claims[limit].ID)
			claims = claims[:limit]
		}
		resp.Items = mapClaims(claims)
		return &struct {
			Body paginatedClaims `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/claims/{id}",
		Summary:     "Get claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, c.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "claim not found in registry", nil)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-claim",
		Method:      http.MethodPost,
		Path:        "/registries/{registry_id}/claims/{id}/transition",
		Summary:     "Transition claim state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string                 `path:"registry_id"`
		ID         string                 `path:"id"`
		Body       TransitionClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, current.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "claim not found in registry", nil)
		}
		c, err := e.TransitionClaim(ctx, engine.ClaimTransitionOptions{
			ID:                    input.ID,
			To:                    input.Body.To,
			ActorID:               actorID,
			ClaimData:             input.Body.ClaimData,
			SupportingDocuments:   input.Body.SupportingDocuments,
			VerificationReport:    input.Body.VerificationReport,
			ApprovalSignature:     stringOrEmpty(input.Body.ApprovalSignature),
			RetirementCertificate: input.Body.RetirementCertificate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-claim-step",
		Method:      http.MethodPost,
		Path:        "/registries/{registry_id}/claims/{id}/steps/advance",
		Summary:     "Advance claim workflow step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string                  `path:"registry_id"`
		ID         string                  `path:"id"`
		Body       AdvanceClaimStepRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, current.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "claim not found in registry", nil)
		}
		opts := engine.ClaimStepOptions{
			ID:          input.ID,
			ActorID:     actorID,
			LotID:       stringOrEmpty(input.Body.LotID),
			ProofType:   stringOrEmpty(input.Body.ProofType),
			Description: stringOrEmpty(input.Body.Description),
			CaptureDate: stringOrEmpty(input.Body.CaptureDate),
			Latitude:    input.Body.Latitude,
			Longitude:   input.Body.Longitude,
		}
		if input.Body.FileCount != nil {
			opts.FileCount = *input.Body.FileCount
		}
		c, err := e.AdvanceClaimStep(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regress-claim-step",
		Method:      http.MethodPost,
		Path:        "/registries/{registry_id}/claims/{id}/steps/regress",
		Summary:     "Step claim workflow backward",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !registryMatches(input.RegistryID, current.RegistryID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "claim not found in registry", nil)
		}
		c, err := e.RegressClaimStep(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/history/{entity_kind}/{entity_id}",
		Summary:     "Entity transition history with replay validation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		EntityKind string `path:"entity_kind" enum:"lot,order,claim"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		h, err := e.EntityHistory(ctx, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, t := range h.Steps {
			if !registryMatches(input.RegistryID, t.RegistryID) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "entity not found in registry", nil)
			}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: historyResponse(h)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/registries/{registry_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RegistryID string `path:"registry_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"registry,lot,order,claim,proof"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		registryID := registryFromPathOrHeader(ctx, input.RegistryID, e.Config.Registry.ID)
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, registryID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
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

func registryFromPathOrHeader(ctx context.Context, pathRegistryID, fallback string) string {
	if pathRegistryID != "" {
		return pathRegistryID
	}
	return registryFromHeader(ctx, fallback)
}

func registryMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}

func registryFromHeader(ctx context.Context, fallback string) string {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Registry-Id")); v != "" {
			return v
		}
	}
	return fallback
}
