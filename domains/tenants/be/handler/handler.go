// Package handler exposes the tenant lifecycle service over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/logging"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
)

// Handler wires the tenants service to chi routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts all tenant lifecycle endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Route("/{tenantID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.update)
			r.Delete("/", h.deprovision)
			r.Post("/provision", h.provision)
			r.Post("/retry", h.retry)
			r.Get("/memberships", h.memberships)
		})
	})
	r.Route("/workflows", func(r chi.Router) {
		r.Get("/stuck", h.stuck)
		r.Get("/{workflowID}", h.status)
	})
}

type createRequest struct {
	Slug        string    `json:"slug"`
	DisplayName *string   `json:"display_name,omitempty"`
	AdminUserID uuid.UUID `json:"admin_user_id"`
}

type tenantResponse struct {
	ID          uuid.UUID  `json:"id"`
	Slug        string     `json:"slug"`
	DisplayName *string    `json:"display_name,omitempty"`
	Status      string     `json:"status"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type acceptedResponse struct {
	Tenant     *tenantResponse `json:"tenant,omitempty"`
	WorkflowID string          `json:"workflow_id"`
}

type runResponse struct {
	WorkflowID  string     `json:"workflow_id"`
	Kind        string     `json:"kind,omitempty"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

type membershipResponse struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func toTenantResponse(t service.Tenant) tenantResponse {
	return tenantResponse{
		ID:          t.ID,
		Slug:        t.Slug,
		DisplayName: t.DisplayName,
		Status:      t.Status,
		IsActive:    t.IsActive,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		DeletedAt:   t.DeletedAt,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	t, workflowID, err := h.svc.Create(r.Context(), service.CreateInput{
		Slug:        req.Slug,
		DisplayName: req.DisplayName,
		AdminUserID: req.AdminUserID,
	})
	if err != nil {
		h.mapError(w, r, err)
		return
	}

	resp := toTenantResponse(t)
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{Tenant: &resp, WorkflowID: workflowID})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	opts := service.ListOptions{}
	if v := r.URL.Query().Get("status"); v != "" {
		opts.Status = &v
	}
	if v := r.URL.Query().Get("page"); v != "" {
		_ = jsonNumber(v, &opts.Page)
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		_ = jsonNumber(v, &opts.PageSize)
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.mapError(w, r, err)
		return
	}

	items := make([]tenantResponse, 0, len(result.Tenants))
	for _, t := range result.Tenants {
		items = append(items, toTenantResponse(t))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"page":        result.Page,
		"page_size":   result.PageSize,
		"total_items": result.TotalItems,
		"total_pages": result.TotalPages,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTenantResponse(t))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var req struct {
		DisplayName *string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.svc.Update(r.Context(), id, service.UpdateInput{DisplayName: req.DisplayName})
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTenantResponse(t))
}

func (h *Handler) deprovision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	workflowID, err := h.svc.Deprovision(r.Context(), id)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{WorkflowID: workflowID})
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var req struct {
		AdminUserID uuid.UUID `json:"admin_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	workflowID, err := h.svc.Provision(r.Context(), id, req.AdminUserID)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{WorkflowID: workflowID})
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var req struct {
		AdminUserID uuid.UUID `json:"admin_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	workflowID, err := h.svc.RetryProvisioning(r.Context(), id, req.AdminUserID)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{WorkflowID: workflowID})
}

func (h *Handler) memberships(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	records, err := h.svc.ListMemberships(r.Context(), id)
	if err != nil {
		h.mapError(w, r, err)
		return
	}

	items := make([]membershipResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, membershipResponse{
			ID:        rec.ID,
			UserID:    rec.UserID,
			Role:      rec.Role,
			CreatedAt: rec.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	st, err := h.svc.Status(r.Context(), workflowID)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, runResponse{
		WorkflowID:  st.WorkflowID,
		Kind:        st.Kind,
		Status:      st.Status,
		Error:       st.Error,
		StartedAt:   st.StartedAt,
		CompletedAt: st.CompletedAt,
	})
}

func (h *Handler) stuck(w http.ResponseWriter, r *http.Request) {
	age := 30 * time.Minute
	if v := r.URL.Query().Get("age"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid age duration")
			return
		}
		age = parsed
	}

	runs, err := h.svc.ListStuckRuns(r.Context(), age)
	if err != nil {
		h.mapError(w, r, err)
		return
	}

	items := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		createdAt := run.CreatedAt
		items = append(items, runResponse{
			WorkflowID:  run.WorkflowID,
			Kind:        run.Kind,
			Status:      run.Status,
			Error:       run.ErrorMessage,
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
			CreatedAt:   &createdAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid tenant id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrRunNotFound):
		h.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConflictSlug),
		errors.Is(err, service.ErrAlreadyInProgress),
		errors.Is(err, service.ErrAlreadyDone),
		errors.Is(err, service.ErrNotRetryable),
		errors.Is(err, service.ErrNotReady):
		h.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidSlug), errors.Is(err, persistence.ErrInvalidIdentifier):
		h.writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		logging.FromRequest(r, h.logger).Error("tenant handler error", zap.Error(err))
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	h.writeJSON(w, status, map[string]any{"status": status, "detail": detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func jsonNumber(s string, dst *int) error {
	return json.Unmarshal([]byte(s), dst)
}
