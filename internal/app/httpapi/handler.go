// Package httpapi exposes the REST surface for the call escrow service.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	app "github.com/digis-live/callcore/internal/app"
	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/ledger"
	"github.com/digis-live/callcore/internal/app/domain/loyalty"
	"github.com/digis-live/callcore/internal/app/services/escrow"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/calls", h.calls)
	mux.HandleFunc("/calls/", h.callResources)
	mux.HandleFunc("/sessions/", h.sessionResources)
	mux.HandleFunc("/loyalty/perks", h.loyaltyPerks)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// userResources handles /users/{id}/(balance|deposit|ledger|badges).
func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[0]

	switch parts[1] {
	case "balance":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		acct, err := h.app.Escrow.Balance(r.Context(), userID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, balancePayload(acct))

	case "deposit":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Amount    int64  `json:"amount"`
			Reference string `json:"reference"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		acct, err := h.app.Escrow.Deposit(r.Context(), userID, payload.Amount, payload.Reference)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, balancePayload(acct))

	case "ledger":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := h.app.Escrow.History(r.Context(), userID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)

	case "badges":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		creatorID := r.URL.Query().Get("creatorId")
		view, err := h.app.Loyalty.GetUserBadges(r.Context(), userID, creatorID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// calls handles POST /calls (create a call request).
func (h *handler) calls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	fanID := principal(r)
	if fanID == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload struct {
		CreatorID         string `json:"creatorId"`
		StreamID          string `json:"streamId"`
		PricePerMinute    int64  `json:"pricePerMinute"`
		MinimumMinutes    int64  `json:"minimumMinutes"`
		EstimatedDuration int64  `json:"estimatedDuration"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.app.Calls.Request(r.Context(), fanID, payload.CreatorID, payload.StreamID,
		payload.PricePerMinute, payload.MinimumMinutes, payload.EstimatedDuration)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"requestId":  req.ID,
		"heldTokens": req.HeldTokens,
		"status":     req.Status,
	})
}

// callResources handles /calls/{id}/(accept|reject).
func (h *handler) callResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/calls"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	requestID := parts[0]

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	creatorID := principal(r)
	if creatorID == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch parts[1] {
	case "accept":
		result, err := h.app.Calls.Accept(r.Context(), requestID, creatorID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessionId":   result.Session.ID,
			"channelName": result.Session.ChannelName,
			"token":       result.Credentials.Token,
		})

	case "reject":
		if err := h.app.Calls.Reject(r.Context(), requestID, creatorID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// sessionResources handles /sessions/{id}/(end|credentials).
func (h *handler) sessionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sessionID := parts[0]

	switch parts[1] {
	case "end":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			EndReason       string `json:"endReason"`
			FinalDuration   int64  `json:"finalDuration"`
			FinalTokensUsed int64  `json:"finalTokensUsed"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := h.app.Calls.End(r.Context(), sessionID, call.EndReason(payload.EndReason),
			payload.FinalDuration, payload.FinalTokensUsed)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{
			"tokensCharged":  result.TokensCharged,
			"tokensRefunded": result.TokensRefunded,
		})

	case "credentials":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		userID := principal(r)
		if userID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		creds, err := h.app.Calls.Credentials(r.Context(), sessionID, userID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, creds)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// loyaltyPerks handles GET /loyalty/perks?level=gold.
func (h *handler) loyaltyPerks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	level := loyalty.Level(strings.ToLower(r.URL.Query().Get("level")))
	perks := h.app.Loyalty.Perks(level)
	if len(perks) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown loyalty level %q", level))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"level": level,
		"perks": perks,
	})
}

// principal returns the authenticated user id attached by the auth wrapper.
func principal(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func balancePayload(acct ledger.Account) map[string]interface{} {
	return map[string]interface{}{
		"userId":    acct.UserID,
		"available": acct.Available,
		"held":      acct.Held,
	}
}

// statusFor maps domain errors onto HTTP status codes. Not-found deliberately
// covers "already processed" as well, so state cannot be probed.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientTokens):
		return http.StatusPaymentRequired
	case errors.Is(err, call.ErrRequestNotFound), errors.Is(err, call.ErrSessionNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrRequestPending):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidSettlement):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, dst interface{}) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
