package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kostush/purchase-gateway-sub005/internal/service"
	"github.com/kostush/purchase-gateway-sub005/pkg/httputil"
	"github.com/kostush/purchase-gateway-sub005/pkg/logger"
	"github.com/kostush/purchase-gateway-sub005/pkg/validator"
)

const maxBodyBytes = 1 << 20 // 1MB

// PurchaseHandler handles HTTP requests for purchase endpoints.
type PurchaseHandler struct {
	service *service.PurchaseService
	logger  *slog.Logger
}

// NewPurchaseHandler creates a new purchase HTTP handler.
func NewPurchaseHandler(svc *service.PurchaseService, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		service: svc,
		logger:  logger,
	}
}

// sessionID reads the path session id and tags the request context with it.
func sessionID(w http.ResponseWriter, r *http.Request) (string, *http.Request, bool) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "sessionId"))
	if !ok {
		return "", r, false
	}
	sid := id.String()
	ctx := logger.WithSessionID(r.Context(), sid)
	ctx = logger.NewContext(ctx, logger.FromContext(ctx).With(slog.String("session_id", sid)))
	return sid, r.WithContext(ctx), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return false
	}
	return true
}

// InitPurchase handles POST /api/v1/purchases
// @Summary Initialize a purchase session
// @Description Creates a pending session with its items, cascade and fraud advice.
// @Tags purchases
// @Accept json
// @Produce json
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/purchases/ [post]
func (h *PurchaseHandler) InitPurchase(w http.ResponseWriter, r *http.Request) {
	var req service.InitInput
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Init(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: res})
}

// GetPurchase handles GET /api/v1/purchases/{sessionId}
// @Summary Get a purchase session
// @Tags purchases
// @Produce json
// @Param sessionId path string true "Session UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/purchases/{sessionId} [get]
func (h *PurchaseHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	sid, r, ok := sessionID(w, r)
	if !ok {
		return
	}

	res, err := h.service.GetPurchase(r.Context(), sid)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: res})
}

// ProcessPurchase handles POST /api/v1/purchases/{sessionId}/process
// @Summary Process a purchase
// @Description Charges the main item through the biller cascade, then the selected cross-sales.
// @Tags purchases
// @Accept json
// @Produce json
// @Param sessionId path string true "Session UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/purchases/{sessionId}/process [post]
func (h *PurchaseHandler) ProcessPurchase(w http.ResponseWriter, r *http.Request) {
	sid, r, ok := sessionID(w, r)
	if !ok {
		return
	}

	var req service.ProcessInput
	if !decodeBody(w, r, &req) {
		return
	}
	req.SessionID = sid
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Process(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: res})
}

// Lookup handles POST /api/v1/purchases/{sessionId}/threed/lookup
// @Summary Send 3DS device data
// @Tags threeds
// @Accept json
// @Produce json
// @Param sessionId path string true "Session UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/purchases/{sessionId}/threed/lookup [post]
func (h *PurchaseHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	sid, r, ok := sessionID(w, r)
	if !ok {
		return
	}

	var req service.LookupInput
	if !decodeBody(w, r, &req) {
		return
	}
	req.SessionID = sid
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Lookup(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: res})
}

// Authenticate handles GET /api/v1/purchases/{sessionId}/threed/authenticate
// @Summary Get the bank challenge of a session
// @Tags threeds
// @Produce json
// @Param sessionId path string true "Session UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/purchases/{sessionId}/threed/authenticate [get]
func (h *PurchaseHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	sid, r, ok := sessionID(w, r)
	if !ok {
		return
	}

	res, err := h.service.Authenticate(r.Context(), sid)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: res})
}
