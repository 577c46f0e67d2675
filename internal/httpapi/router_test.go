package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tankwatch/internal/config"
	"tankwatch/internal/gateway"
	"tankwatch/internal/models"
	"tankwatch/internal/repository"
	"tankwatch/internal/simulator"
)

// ============================================
// 测试辅助
// ============================================

type fakeSim struct {
	running     map[string]float64
	startAllErr error
	consumeErr  error
}

func newFakeSim() *fakeSim {
	return &fakeSim{running: make(map[string]float64)}
}

func (s *fakeSim) StartSimulation(_ context.Context, tankID string) {
	if _, ok := s.running[tankID]; !ok {
		s.running[tankID] = 1.5
	}
}

func (s *fakeSim) StopSimulation(tankID string) {
	delete(s.running, tankID)
}

func (s *fakeSim) StartAllSimulations(_ context.Context) error {
	if s.startAllErr != nil {
		return s.startAllErr
	}
	s.running["tank-1"] = 1.5
	s.running["tank-2"] = 2.0
	return nil
}

func (s *fakeSim) StopAllSimulations() {
	s.running = make(map[string]float64)
}

func (s *fakeSim) SetConsumptionRate(tankID string, rate float64) {
	if _, ok := s.running[tankID]; ok {
		s.running[tankID] = rate
	}
}

func (s *fakeSim) Status(tankID string) simulator.Status {
	rate, ok := s.running[tankID]
	return simulator.Status{IsRunning: ok, ConsumptionRate: rate}
}

func (s *fakeSim) RunningTankIDs() []string {
	var ids []string
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeSim) SimulateConsumption(_ context.Context, tankID string, liters float64) (*models.SensorReading, error) {
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	return &models.SensorReading{TankID: tankID, LevelLiters: 100 - liters, Timestamp: time.Now()}, nil
}

func (s *fakeSim) SimulateRefill(_ context.Context, tankID string, _ *float64) (*models.SensorReading, error) {
	return &models.SensorReading{TankID: tankID, LevelPercentage: 100, LevelLiters: 300, Timestamp: time.Now()}, nil
}

type fakeAlerts struct {
	alerts     []*models.Alert
	lastFilter repository.AlertFilters
	acked      []string
	resolved   []string
	lastUser   string
	lastNotes  *string
	actionErr  error
}

func (a *fakeAlerts) ListAlerts(_ context.Context, filters repository.AlertFilters, _, _ int) ([]*models.Alert, int, error) {
	a.lastFilter = filters
	return a.alerts, len(a.alerts), nil
}

func (a *fakeAlerts) GetActiveAlerts(_ context.Context, _ *string) ([]*models.Alert, error) {
	return a.alerts, nil
}

func (a *fakeAlerts) AcknowledgeAlert(_ context.Context, alertID, userID string) error {
	if a.actionErr != nil {
		return a.actionErr
	}
	a.acked = append(a.acked, alertID)
	a.lastUser = userID
	return nil
}

func (a *fakeAlerts) ResolveAlert(_ context.Context, alertID, userID string, notes *string) error {
	if a.actionErr != nil {
		return a.actionErr
	}
	a.resolved = append(a.resolved, alertID)
	a.lastUser = userID
	a.lastNotes = notes
	return nil
}

type fakeRealtime struct {
	readings map[string]*models.SensorReading
	err      error
}

func (c *fakeRealtime) GetLatestReading(_ context.Context, tankID string) (*models.SensorReading, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.readings[tankID], nil
}

type staticVerifier struct {
	sessions map[string]*gateway.Session
}

func (v *staticVerifier) Verify(_ context.Context, token string) (*gateway.Session, error) {
	s, ok := v.sessions[token]
	if !ok {
		return nil, gateway.ErrInvalidToken
	}
	return s, nil
}

type apiFixture struct {
	sim      *fakeSim
	alerts   *fakeAlerts
	realtime *fakeRealtime
	server   *httptest.Server
}

func setupAPI(t *testing.T) *apiFixture {
	f := &apiFixture{
		sim:    newFakeSim(),
		alerts: &fakeAlerts{},
		realtime: &fakeRealtime{
			readings: make(map[string]*models.SensorReading),
		},
	}

	verifier := &staticVerifier{sessions: map[string]*gateway.Session{
		"tok-admin": {UserID: "admin-1", Role: gateway.RoleAdmin},
		"tok-user":  {UserID: "user-1", Role: gateway.RoleUser, TankIDs: []string{"tank-1"}},
	}}

	cfg := &config.Config{}
	router := NewRouter(cfg, f.sim, f.alerts, f.realtime, verifier, nil, zap.NewNop())
	f.server = httptest.NewServer(router.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func doRequest(t *testing.T, method, url, token string, body interface{}) (*http.Response, Result) {
	t.Helper()

	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp, result
}

// ============================================
// 鉴权
// ============================================

func TestAPI_MissingToken(t *testing.T) {
	f := setupAPI(t)

	resp, result := doRequest(t, http.MethodGet, f.server.URL+"/api/alerts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, -1, result.Code)
}

func TestAPI_SimulationRequiresAdmin(t *testing.T) {
	f := setupAPI(t)

	resp, _ := doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/tank-1/start", "tok-user", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/start-all", "tok-user", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	f := setupAPI(t)

	resp, result := doRequest(t, http.MethodGet, f.server.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2000, result.Code)
}

// ============================================
// 模拟控制
// ============================================

func TestAPI_StartStopStatus(t *testing.T) {
	f := setupAPI(t)

	resp, result := doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/tank-1/start", "tok-admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2000, result.Code)

	_, result = doRequest(t, http.MethodGet, f.server.URL+"/api/simulation/tank-1/status", "tok-admin", nil)
	status := result.Data.(map[string]interface{})
	assert.Equal(t, true, status["isRunning"])

	resp, _ = doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/tank-1/stop", "tok-admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, result = doRequest(t, http.MethodGet, f.server.URL+"/api/simulation/tank-1/status", "tok-admin", nil)
	status = result.Data.(map[string]interface{})
	assert.Equal(t, false, status["isRunning"])
}

func TestAPI_StartAllStopAll(t *testing.T) {
	f := setupAPI(t)

	resp, _ := doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/start-all", "tok-admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, f.sim.running, 2)

	resp, _ = doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/stop-all", "tok-admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.sim.running)
}

func TestAPI_SetRate(t *testing.T) {
	f := setupAPI(t)

	// 未运行时 409
	resp, _ := doRequest(t, http.MethodPut, f.server.URL+"/api/simulation/tank-1/rate", "tok-admin",
		map[string]float64{"ratePerHour": 2.5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.sim.running["tank-1"] = 1.0
	resp, _ = doRequest(t, http.MethodPut, f.server.URL+"/api/simulation/tank-1/rate", "tok-admin",
		map[string]float64{"ratePerHour": 2.5})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.5, f.sim.running["tank-1"])

	// 非法速率
	resp, _ = doRequest(t, http.MethodPut, f.server.URL+"/api/simulation/tank-1/rate", "tok-admin",
		map[string]float64{"ratePerHour": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ConsumeAndRefill(t *testing.T) {
	f := setupAPI(t)

	resp, result := doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/tank-1/consume", "tok-admin",
		map[string]float64{"liters": 30})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	reading := result.Data.(map[string]interface{})
	assert.Equal(t, 70.0, reading["levelLiters"])

	resp, result = doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/tank-1/refill", "tok-admin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	reading = result.Data.(map[string]interface{})
	assert.Equal(t, 100.0, reading["levelPercentage"])
}

func TestAPI_ConsumeError(t *testing.T) {
	f := setupAPI(t)
	f.sim.consumeErr = assert.AnError

	resp, result := doRequest(t, http.MethodPost, f.server.URL+"/api/simulation/tank-1/consume", "tok-admin",
		map[string]float64{"liters": 30})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, -1, result.Code)
}

// ============================================
// 告警
// ============================================

func TestAPI_ListAlerts(t *testing.T) {
	f := setupAPI(t)
	f.alerts.alerts = []*models.Alert{
		{AlertID: "a1", TankID: "tank-1", Type: models.AlertTypeLowLevel, Status: models.AlertStatusActive},
	}

	resp, result := doRequest(t, http.MethodGet,
		f.server.URL+"/api/alerts?tankId=tank-1&type=low_level&status=active", "tok-user", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := result.Data.(map[string]interface{})
	assert.Equal(t, 1.0, data["total"])

	// 过滤条件透传
	require.NotNil(t, f.alerts.lastFilter.TankID)
	assert.Equal(t, "tank-1", *f.alerts.lastFilter.TankID)
	require.NotNil(t, f.alerts.lastFilter.Type)
	assert.Equal(t, "low_level", *f.alerts.lastFilter.Type)
}

func TestAPI_ActiveAlerts(t *testing.T) {
	f := setupAPI(t)
	f.alerts.alerts = []*models.Alert{{AlertID: "a1"}, {AlertID: "a2"}}

	resp, result := doRequest(t, http.MethodGet, f.server.URL+"/api/alerts/active", "tok-user", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, result.Data.([]interface{}), 2)
}

func TestAPI_AcknowledgeAlert(t *testing.T) {
	f := setupAPI(t)

	resp, _ := doRequest(t, http.MethodPost, f.server.URL+"/api/alerts/a1/acknowledge", "tok-user", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a1"}, f.alerts.acked)
	// 操作人来自会话
	assert.Equal(t, "user-1", f.alerts.lastUser)
}

func TestAPI_ResolveAlert(t *testing.T) {
	f := setupAPI(t)

	notes := "refilled by driver"
	resp, _ := doRequest(t, http.MethodPost, f.server.URL+"/api/alerts/a1/resolve", "tok-admin",
		map[string]string{"notes": notes})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a1"}, f.alerts.resolved)
	require.NotNil(t, f.alerts.lastNotes)
	assert.Equal(t, notes, *f.alerts.lastNotes)
}

func TestAPI_AcknowledgeConflict(t *testing.T) {
	f := setupAPI(t)
	f.alerts.actionErr = assert.AnError

	resp, _ := doRequest(t, http.MethodPost, f.server.URL+"/api/alerts/a1/acknowledge", "tok-user", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// ============================================
// 实时读数
// ============================================

func TestAPI_Realtime(t *testing.T) {
	f := setupAPI(t)
	f.realtime.readings["tank-1"] = &models.SensorReading{
		TankID:          "tank-1",
		LevelPercentage: 42.5,
		LevelLiters:     127.5,
		Timestamp:       time.Now(),
	}

	resp, result := doRequest(t, http.MethodGet, f.server.URL+"/api/tanks/tank-1/realtime", "tok-user", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reading := result.Data.(map[string]interface{})
	assert.Equal(t, 42.5, reading["levelPercentage"])
}

func TestAPI_RealtimeAccessDenied(t *testing.T) {
	f := setupAPI(t)

	resp, _ := doRequest(t, http.MethodGet, f.server.URL+"/api/tanks/tank-9/realtime", "tok-user", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_RealtimeNotFound(t *testing.T) {
	f := setupAPI(t)

	resp, _ := doRequest(t, http.MethodGet, f.server.URL+"/api/tanks/tank-1/realtime", "tok-user", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
