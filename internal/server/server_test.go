package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gigpact/escrow/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "development",
		LogLevel: "error",
		FeeRate:  "0.10",
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := parseBody(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestContractRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := map[string]bool{
		"POST:/v1/contracts":                              false,
		"GET:/v1/contracts":                               false,
		"GET:/v1/contracts/:id":                           false,
		"POST:/v1/contracts/:id/cancel":                   false,
		"POST:/v1/contracts/:id/milestones/:mid/fund":     false,
		"POST:/v1/contracts/:id/milestones/:mid/submit":   false,
		"POST:/v1/contracts/:id/milestones/:mid/revision": false,
		"POST:/v1/contracts/:id/milestones/:mid/release":  false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Contract route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/wallet/deposits",
		"GET:/v1/wallet/:role/:owner/balance",
		"GET:/v1/wallet/:role/:owner/history",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Request ID
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "test-request-42")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "test-request-42" {
		t.Errorf("Expected propagated request ID, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// End-to-end milestone lifecycle through HTTP
// ---------------------------------------------------------------------------

func TestMilestoneLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Fund the client wallet
	w := doJSON(t, s, "POST", "/v1/wallet/deposits", `{"ownerId":"client-9","amount":"1000.00"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Deposit failed: %d %s", w.Code, w.Body.String())
	}

	// Create a contract with one milestone
	body := `{
		"title": "Logo redesign",
		"clientId": "client-9",
		"freelancerId": "freelancer-9",
		"totalBudget": "500.00",
		"milestones": [{"description": "Final delivery", "amount": "400.00"}]
	}`
	w = doJSON(t, s, "POST", "/v1/contracts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create contract failed: %d %s", w.Code, w.Body.String())
	}
	resp := parseBody(t, w)
	ct := resp["contract"].(map[string]interface{})
	contractID := ct["id"].(string)
	milestones := ct["milestones"].([]interface{})
	milestoneID := milestones[0].(map[string]interface{})["id"].(string)

	base := "/v1/contracts/" + contractID + "/milestones/" + milestoneID

	// Fund
	w = doJSON(t, s, "POST", base+"/fund", `{"callerId":"client-9"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Fund failed: %d %s", w.Code, w.Body.String())
	}

	// Client balance reduced by the hold
	w = doJSON(t, s, "GET", "/v1/wallet/client/client-9/balance", "")
	resp = parseBody(t, w)
	acct := resp["account"].(map[string]interface{})
	if acct["balance"] != "600.00" {
		t.Errorf("Expected client balance 600.00 after hold, got %v", acct["balance"])
	}

	// Submit
	w = doJSON(t, s, "POST", base+"/submit", `{"callerId":"freelancer-9","note":"done","deliveryRef":"https://files.example/logo.zip"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Submit failed: %d %s", w.Code, w.Body.String())
	}

	// Release
	w = doJSON(t, s, "POST", base+"/release", `{"callerId":"client-9"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Release failed: %d %s", w.Code, w.Body.String())
	}
	resp = parseBody(t, w)
	if resp["net"] != "360.00" || resp["fee"] != "40.00" {
		t.Errorf("Expected net 360.00 fee 40.00, got net=%v fee=%v", resp["net"], resp["fee"])
	}

	// Freelancer got the net
	w = doJSON(t, s, "GET", "/v1/wallet/freelancer/freelancer-9/balance", "")
	resp = parseBody(t, w)
	acct = resp["account"].(map[string]interface{})
	if acct["balance"] != "360.00" {
		t.Errorf("Expected freelancer balance 360.00, got %v", acct["balance"])
	}

	// Platform collected the fee
	w = doJSON(t, s, "GET", "/v1/wallet/platform/platform/balance", "")
	resp = parseBody(t, w)
	acct = resp["account"].(map[string]interface{})
	if acct["balance"] != "40.00" {
		t.Errorf("Expected platform balance 40.00, got %v", acct["balance"])
	}

	// Contract completed
	w = doJSON(t, s, "GET", "/v1/contracts/"+contractID, "")
	resp = parseBody(t, w)
	ct = resp["contract"].(map[string]interface{})
	if ct["status"] != "completed" {
		t.Errorf("Expected contract completed, got %v", ct["status"])
	}
}

func TestFundInsufficientBalanceOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Deposit less than the milestone amount
	doJSON(t, s, "POST", "/v1/wallet/deposits", `{"ownerId":"client-poor","amount":"50.00"}`)

	body := `{
		"title": "Small job",
		"clientId": "client-poor",
		"freelancerId": "freelancer-1",
		"totalBudget": "200.00",
		"milestones": [{"description": "Work", "amount": "200.00"}]
	}`
	w := doJSON(t, s, "POST", "/v1/contracts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create contract failed: %d %s", w.Code, w.Body.String())
	}
	resp := parseBody(t, w)
	ct := resp["contract"].(map[string]interface{})
	contractID := ct["id"].(string)
	milestoneID := ct["milestones"].([]interface{})[0].(map[string]interface{})["id"].(string)

	w = doJSON(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+milestoneID+"/fund", `{"callerId":"client-poor"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402 for insufficient balance, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelRefundsOverHTTP(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/wallet/deposits", `{"ownerId":"client-c","amount":"1000.00"}`)

	body := `{
		"title": "Site build",
		"clientId": "client-c",
		"freelancerId": "freelancer-c",
		"totalBudget": "1000.00",
		"milestones": [
			{"description": "Design", "amount": "300.00"},
			{"description": "Build", "amount": "400.00"}
		]
	}`
	w := doJSON(t, s, "POST", "/v1/contracts", body)
	resp := parseBody(t, w)
	ct := resp["contract"].(map[string]interface{})
	contractID := ct["id"].(string)
	milestoneID := ct["milestones"].([]interface{})[0].(map[string]interface{})["id"].(string)

	// Hold one milestone then cancel
	doJSON(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+milestoneID+"/fund", `{"callerId":"client-c"}`)

	w = doJSON(t, s, "POST", "/v1/contracts/"+contractID+"/cancel", `{"callerId":"client-c"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Cancel failed: %d %s", w.Code, w.Body.String())
	}

	// Client got the hold back
	w = doJSON(t, s, "GET", "/v1/wallet/client/client-c/balance", "")
	resp = parseBody(t, w)
	acct := resp["account"].(map[string]interface{})
	if acct["balance"] != "1000.00" {
		t.Errorf("Expected client balance 1000.00 after cancel refund, got %v", acct["balance"])
	}

	// Further actions on the contract are rejected
	w = doJSON(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+milestoneID+"/fund", `{"callerId":"client-c"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on funding a cancelled contract, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
