package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	app "github.com/digis-live/callcore/internal/app"
	"github.com/digis-live/callcore/internal/rtc"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	provider, err := rtc.NewHMACProvider("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("rtc provider: %v", err)
	}
	application, err := app.New(app.Stores{}, app.Options{RTC: provider}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	srv := httptest.NewServer(NewHandler(application))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, userID string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// Fund the fan.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users/fan1/deposit", "", map[string]interface{}{
		"amount": 1000, "reference": "topup",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit failed: %d %v", resp.StatusCode, body)
	}
	if body["available"].(float64) != 1000 {
		t.Fatalf("unexpected balance after deposit: %v", body["available"])
	}

	// Request a call: 100/min, 5 min minimum => 500 held.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/calls", "fan1", map[string]interface{}{
		"creatorId": "creator1", "streamId": "stream1",
		"pricePerMinute": 100, "minimumMinutes": 5, "estimatedDuration": 10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request failed: %d %v", resp.StatusCode, body)
	}
	requestID, _ := body["requestId"].(string)
	if requestID == "" || body["heldTokens"].(float64) != 500 {
		t.Fatalf("unexpected request payload: %v", body)
	}

	// Creator accepts and receives channel credentials.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/calls/"+requestID+"/accept", "creator1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept failed: %d %v", resp.StatusCode, body)
	}
	sessionID, _ := body["sessionId"].(string)
	if sessionID == "" || body["token"] == "" {
		t.Fatalf("unexpected accept payload: %v", body)
	}

	// The fan can fetch credentials for the active session.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/sessions/"+sessionID+"/credentials", "fan1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credentials failed: %d", resp.StatusCode)
	}
	// A stranger cannot.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/sessions/"+sessionID+"/credentials", "stranger", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for non-participant, got %d", resp.StatusCode)
	}

	// End the call: 2 minutes, 200 tokens => 300 refunded.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+sessionID+"/end", "fan1", map[string]interface{}{
		"endReason": "user_ended", "finalDuration": 2, "finalTokensUsed": 200,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end failed: %d %v", resp.StatusCode, body)
	}
	if body["tokensCharged"].(float64) != 200 || body["tokensRefunded"].(float64) != 300 {
		t.Fatalf("unexpected settlement: %v", body)
	}

	// Final balance: 1000 - 200.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/users/fan1/balance", "", nil)
	if resp.StatusCode != http.StatusOK || body["available"].(float64) != 800 {
		t.Fatalf("unexpected final balance: %d %v", resp.StatusCode, body)
	}

	// The ledger recorded the movements.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/users/fan1/ledger?limit=10", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger failed: %d", resp.StatusCode)
	}

	// And the loyalty badge accrued the charge.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/users/fan1/badges?creatorId=creator1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("badges failed: %d", resp.StatusCode)
	}
	loyaltyBadge, _ := body["loyalty"].(map[string]interface{})
	if loyaltyBadge == nil || loyaltyBadge["totalSpend"].(float64) != 200 {
		t.Fatalf("unexpected badge payload: %v", body)
	}
}

func TestRejectReturnsHold(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/users/fan1/deposit", "", map[string]interface{}{"amount": 1000})
	_, body := doJSON(t, http.MethodPost, srv.URL+"/calls", "fan1", map[string]interface{}{
		"creatorId": "creator1", "streamId": "stream1",
		"pricePerMinute": 100, "minimumMinutes": 5, "estimatedDuration": 10,
	})
	requestID := body["requestId"].(string)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/calls/"+requestID+"/reject", "creator1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject failed: %d", resp.StatusCode)
	}

	_, body = doJSON(t, http.MethodGet, srv.URL+"/users/fan1/balance", "", nil)
	if body["available"].(float64) != 1000 {
		t.Fatalf("hold not returned: %v", body["available"])
	}
}

func TestStatusCodes(t *testing.T) {
	srv := newTestServer(t)

	// Underfunded request -> 402.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/calls", "fan1", map[string]interface{}{
		"creatorId": "creator1", "streamId": "stream1",
		"pricePerMinute": 100, "minimumMinutes": 5, "estimatedDuration": 10,
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for underfunded request, got %d", resp.StatusCode)
	}

	// Duplicate pending request -> 409.
	doJSON(t, http.MethodPost, srv.URL+"/users/fan1/deposit", "", map[string]interface{}{"amount": 2000})
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/calls", "fan1", map[string]interface{}{
		"creatorId": "creator1", "streamId": "stream1",
		"pricePerMinute": 100, "minimumMinutes": 5, "estimatedDuration": 10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("funded request failed: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/calls", "fan1", map[string]interface{}{
		"creatorId": "creator1", "streamId": "stream1",
		"pricePerMinute": 100, "minimumMinutes": 5, "estimatedDuration": 10,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate pending request, got %d", resp.StatusCode)
	}

	// Unknown request -> 404.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/calls/nope/accept", "creator1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", resp.StatusCode)
	}

	// Missing principal -> 401.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/calls", "", map[string]interface{}{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", resp.StatusCode)
	}

	// Unknown body field -> 400.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/calls", strings.NewReader(`{"bogus":true}`))
	req.Header.Set("X-User-ID", "fan1")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp2.StatusCode)
	}
}

func TestLoyaltyPerksEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/loyalty/perks?level=gold", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("perks failed: %d", resp.StatusCode)
	}
	perks, _ := body["perks"].([]interface{})
	if len(perks) == 0 {
		t.Fatalf("expected perks for gold: %v", body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/loyalty/perks?level=cardboard", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown level, got %d", resp.StatusCode)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	wrapped := httptest.NewServer(WrapWithAuth(NewHandler(mustApp(t)), []string{"secret-token"}, nil))
	defer wrapped.Close()

	// No token -> 401.
	resp, err := http.Get(wrapped.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Valid token -> 200.
	req, _ := http.NewRequest(http.MethodGet, wrapped.URL+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func mustApp(t *testing.T) *app.Application {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	return application
}
