package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/db"
	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/websocket"
)

const testSecret = "test-secret"

func setupRouter(t *testing.T) *mux.Router {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{DSN: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	cfg := &config.Config{
		JWT:   config.JWTConfig{Secret: testSecret},
		Plans: config.PlansConfig{Default: config.Plan{MaxAccounts: 1, MaxDevices: 1, BridgingEnabled: true}},
	}
	log := zap.NewNop()
	svc := NewServices(gdb, cfg, log)
	hub := websocket.NewHub(svc.Connections, svc.Instructions, time.Second, log)
	return SetupRouter(gdb, nil, svc, hub, cfg, log)
}

func token(t *testing.T, userID uint, role string) string {
	t.Helper()
	claims := &models.Claims{
		UserID: userID,
		Role:   role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

type call struct {
	method, path string
	body         interface{}
	bearer       string
	credential   string
}

func do(t *testing.T, router http.Handler, c call) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.credential != "" {
		req.Header.Set("X-Agent-Credential", c.credential)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func createConnection(t *testing.T, router http.Handler, bearer, fingerprint string) (uint, string) {
	t.Helper()
	code, body := do(t, router, call{method: "POST", path: "/api/connections", bearer: bearer, body: map[string]string{
		"deviceFingerprint": fingerprint,
		"accountNumber":     "5001",
		"platform":          "mt5",
		"brokerName":        "Demo",
		"brokerServer":      "Demo-1",
	}})
	require.Equal(t, http.StatusCreated, code, body)
	return uint(body["connectionId"].(float64)), body["credential"].(string)
}

func tradeReport(status string) map[string]interface{} {
	return map[string]interface{}{
		"ticket": 42, "symbol": "EURUSD", "type": "buy", "size": 0.1,
		"entryPrice": 1.1, "currentPrice": 1.102, "stopLoss": 1.095,
		"profit": 20, "status": status, "closePrice": 1.102,
	}
}

func TestRouter_ConnectionLifecycle(t *testing.T) {
	router := setupRouter(t)
	user := token(t, 1, "user")

	code, _ := do(t, router, call{method: "POST", path: "/api/connections", body: map[string]string{}})
	assert.Equal(t, http.StatusUnauthorized, code)

	connID, cred := createConnection(t, router, user, "device-1")
	assert.Len(t, cred, 64)

	code, body := do(t, router, call{method: "POST", path: "/api/v1/webhook/heartbeat", credential: cred,
		body: map[string]string{"agentVersion": "2.1", "status": "online"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "excellent", body["quality"])

	// Credential in the body works too.
	report := tradeReport("open")
	report["credential"] = cred
	code, body = do(t, router, call{method: "POST", path: "/api/v1/webhook/trade", body: report})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "open", body["status"])

	code, _ = do(t, router, call{method: "GET", path: fmt.Sprintf("/api/connections/%d/trades?status=open", connID), bearer: user})
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, router, call{method: "GET", path: "/api/v1/poll?credential=" + cred})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "none", body["action"])

	code, body = do(t, router, call{method: "POST", path: fmt.Sprintf("/api/connections/%d/instructions", connID), bearer: user,
		body: map[string]interface{}{"action": "close", "ticket": 42}})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = do(t, router, call{method: "GET", path: "/api/v1/poll", credential: cred})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "close", body["action"])
	assert.Equal(t, float64(42), body["ticket"])

	code, body = do(t, router, call{method: "DELETE", path: fmt.Sprintf("/api/connections/%d", connID), bearer: user})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "open_trades_exist", body["code"])
	assert.Equal(t, float64(1), body["openTrades"])

	code, _ = do(t, router, call{method: "POST", path: "/api/v1/webhook/trade", credential: cred, body: tradeReport("closed")})
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, router, call{method: "DELETE", path: fmt.Sprintf("/api/connections/%d", connID), bearer: user})
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, router, call{method: "GET", path: "/api/v1/poll", credential: cred})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "connection_not_active", body["code"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	router := setupRouter(t)
	user := token(t, 1, "user")
	connID, cred := createConnection(t, router, user, "device-2")

	t.Run("plan limit asks for upgrade", func(t *testing.T) {
		code, body := do(t, router, call{method: "POST", path: "/api/connections", bearer: user,
			body: map[string]string{"deviceFingerprint": "device-3", "accountNumber": "9", "platform": "mt4"}})
		assert.Equal(t, http.StatusForbidden, code)
		assert.Equal(t, true, body["upgrade"])
	})

	t.Run("unknown and missing credentials look the same", func(t *testing.T) {
		code1, body1 := do(t, router, call{method: "POST", path: "/api/v1/webhook/heartbeat", credential: "deadbeef", body: map[string]string{}})
		code2, body2 := do(t, router, call{method: "POST", path: "/api/v1/webhook/heartbeat", body: map[string]string{}})
		assert.Equal(t, http.StatusUnauthorized, code1)
		assert.Equal(t, code1, code2)
		assert.Equal(t, body1, body2)
	})

	t.Run("pending connection cannot report trades", func(t *testing.T) {
		code, body := do(t, router, call{method: "POST", path: "/api/v1/webhook/trade", credential: cred, body: tradeReport("open")})
		assert.Equal(t, http.StatusForbidden, code)
		assert.Equal(t, "connection_not_active", body["code"])
	})

	t.Run("validation names the field", func(t *testing.T) {
		code, body := do(t, router, call{method: "PATCH", path: fmt.Sprintf("/api/connections/%d/risk", connID), bearer: user,
			body: map[string]interface{}{"riskPerTrade": 0}})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "riskPerTrade", body["field"])
	})

	t.Run("other users cannot see the connection", func(t *testing.T) {
		code, _ := do(t, router, call{method: "GET", path: fmt.Sprintf("/api/connections/%d/trailing", connID), bearer: token(t, 2, "user")})
		assert.Equal(t, http.StatusForbidden, code)
	})

	t.Run("unknown connection", func(t *testing.T) {
		code, _ := do(t, router, call{method: "GET", path: "/api/connections/999/trailing", bearer: user})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/webhook/heartbeat", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouter_TrailingAndAdmin(t *testing.T) {
	router := setupRouter(t)
	user := token(t, 1, "user")
	connID, cred := createConnection(t, router, user, "device-4")
	code, _ := do(t, router, call{method: "POST", path: "/api/v1/webhook/heartbeat", credential: cred, body: map[string]string{"status": "online"}})
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, router, call{method: "PATCH", path: fmt.Sprintf("/api/connections/%d/trailing", connID), bearer: user,
		body: map[string]interface{}{"enabled": true, "mode": "structure"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "structure", body["mode"])

	code, _ = do(t, router, call{method: "POST", path: "/api/v1/webhook/trade", credential: cred, body: tradeReport("open")})
	require.Equal(t, http.StatusOK, code)
	req := httptest.NewRequest("GET", "/api/trades/42/trailing-logs", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	suspend := fmt.Sprintf("/api/admin/connections/%d/suspend", connID)
	code, _ = do(t, router, call{method: "POST", path: suspend, bearer: user})
	assert.Equal(t, http.StatusForbidden, code)

	admin := token(t, 99, "admin")
	code, body = do(t, router, call{method: "POST", path: suspend, bearer: admin})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "suspended", body["status"])

	code, body = do(t, router, call{method: "POST", path: "/api/v1/webhook/heartbeat", credential: cred, body: map[string]string{"status": "online"}})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "connection_suspended", body["code"])

	code, _ = do(t, router, call{method: "POST", path: fmt.Sprintf("/api/admin/connections/%d/resume", connID), bearer: admin})
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, router, call{method: "POST", path: fmt.Sprintf("/api/admin/connections/%d/resume", connID), bearer: admin})
	assert.Equal(t, http.StatusOK, code, "resuming an active connection is a no-op")
}

func getList(t *testing.T, router http.Handler, path, bearer string) (int, []map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var out []map[string]interface{}
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestRouter_ConnectionHistory(t *testing.T) {
	router := setupRouter(t)
	user := token(t, 1, "user")
	connID, cred := createConnection(t, router, user, "device-5")

	code, body := do(t, router, call{method: "POST", path: "/api/v1/webhook/heartbeat", credential: cred, body: map[string]string{"status": "online"}})
	require.Equal(t, http.StatusOK, code, body)
	code, body = do(t, router, call{method: "POST", path: "/api/v1/webhook/error", credential: cred,
		body: map[string]interface{}{"faultType": "order_failed", "code": "10019", "message": "not enough money"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["critical"])

	code, faults := getList(t, router, fmt.Sprintf("/api/connections/%d/errors", connID), user)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, faults, 1)
	assert.Equal(t, "order_failed", faults[0]["faultType"])
	assert.Equal(t, "not enough money", faults[0]["message"])

	code, entries := getList(t, router, fmt.Sprintf("/api/connections/%d/audit", connID), user)
	require.Equal(t, http.StatusOK, code)
	actions := []string{}
	for _, e := range entries {
		actions = append(actions, e["action"].(string))
	}
	assert.Equal(t, []string{"agent.fault", "connection.activate", "connection.create"}, actions)

	code, entries = getList(t, router, fmt.Sprintf("/api/connections/%d/audit?limit=1", connID), user)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, entries, 1)

	other := token(t, 2, "user")
	code, _ = getList(t, router, fmt.Sprintf("/api/connections/%d/errors", connID), other)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = getList(t, router, fmt.Sprintf("/api/connections/%d/audit", connID), other)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = getList(t, router, fmt.Sprintf("/api/connections/%d/audit?limit=x", connID), user)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRouter_OpsEndpoints(t *testing.T) {
	router := setupRouter(t)

	code, body := do(t, router, call{method: "GET", path: "/api/health"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	routes, err := Routes(router)
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, r := range routes {
		paths[r.Methods+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /api/connections",
		"PATCH /api/connections/{id}/risk",
		"GET /api/v1/poll",
		"GET /api/v1/agent/stream",
		"POST /api/admin/connections/{id}/suspend",
		"GET /api/trades/{ticket}/trailing-logs",
		"GET /api/connections/{id}/errors",
		"GET /api/connections/{id}/audit",
	} {
		assert.True(t, paths[want], want)
	}
}
