package http

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/service"
	"github.com/kostush/purchase-gateway-sub005/pkg/httputil"
)

// Complete handles POST /api/v1/purchases/{sessionId}/threed/complete
// The bank posts a form with PaRes and MD; the purchaser is redirected back
// to the merchant with the signed outcome.
func (h *PurchaseHandler) Complete(w http.ResponseWriter, r *http.Request) {
	sid, r, ok := sessionID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid form body: " + err.Error()},
		})
		return
	}

	res, err := h.service.Complete(r.Context(), &service.CompleteInput{
		SessionID: sid,
		PaRes:     r.PostForm.Get("PaRes"),
		MD:        r.PostForm.Get("MD"),
	})
	h.finishCallback(w, r, sid, res, err)
}

// SimplifiedComplete handles GET|POST /api/v1/purchases/{sessionId}/threed/simplified-complete
// The raw query string is forwarded to the biller untouched. A POST without
// a query string forwards its form body instead.
func (h *PurchaseHandler) SimplifiedComplete(w http.ResponseWriter, r *http.Request) {
	sid, r, ok := sessionID(w, r)
	if !ok {
		return
	}

	query := r.URL.RawQuery
	if query == "" && r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err == nil {
			query = r.PostForm.Encode()
		}
	}

	res, err := h.service.SimplifiedComplete(r.Context(), &service.SimplifiedCompleteInput{
		SessionID: sid,
		Query:     query,
	})
	h.finishCallback(w, r, sid, res, err)
}

// finishCallback sends the purchaser back to the merchant. Errors with no
// session to redirect to fall back to JSON.
func (h *PurchaseHandler) finishCallback(w http.ResponseWriter, r *http.Request, sid string, res *service.PurchaseResult, err error) {
	if err == nil {
		h.redirect(w, r, res.RedirectURL, res.RedirectParams())
		return
	}

	switch {
	case errors.Is(err, domain.ErrMissingMandatoryCompleteParameters):
		if view, gerr := h.service.GetPurchase(r.Context(), sid); gerr == nil && view.RedirectURL != "" {
			h.redirect(w, r, view.RedirectURL, url.Values{
				"sessionId": {sid},
				"error":     {domain.CodeMissingMandatoryCompleteParameters},
			})
			return
		}
	case errors.Is(err, domain.ErrSessionAlreadyProcessed):
		// A replayed bank post lands the purchaser on the outcome that
		// already stands.
		if view, gerr := h.service.GetPurchase(r.Context(), sid); gerr == nil && view.RedirectURL != "" {
			h.redirect(w, r, view.RedirectURL, view.RedirectParams())
			return
		}
	}
	httputil.WriteError(w, r, err, h.logger)
}

func (h *PurchaseHandler) redirect(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	if err := httputil.Redirect(w, r, target, params); err != nil {
		httputil.WriteError(w, r, err, h.logger)
	}
}
