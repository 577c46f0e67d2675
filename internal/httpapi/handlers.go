package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tankwatch/internal/repository"
)

// ============================================
// 模拟控制
// ============================================

// POST /api/simulation/start-all
func (rt *Router) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := rt.simulator.StartAllSimulations(r.Context()); err != nil {
		rt.logger.Error("Failed to start all simulations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]interface{}{"running": rt.simulator.RunningTankIDs()})
}

// POST /api/simulation/stop-all
func (rt *Router) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rt.simulator.StopAllSimulations()
	writeOK(w, nil)
}

// /api/simulation/{tankId}/{action}
func (rt *Router) handleSimulationTank(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/simulation/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	tankID, action := parts[0], parts[1]

	switch {
	case action == "start" && r.Method == http.MethodPost:
		rt.simulator.StartSimulation(r.Context(), tankID)
		writeOK(w, rt.simulator.Status(tankID))

	case action == "stop" && r.Method == http.MethodPost:
		rt.simulator.StopSimulation(tankID)
		writeOK(w, nil)

	case action == "status" && r.Method == http.MethodGet:
		writeOK(w, rt.simulator.Status(tankID))

	case action == "rate" && r.Method == http.MethodPut:
		rt.handleSetRate(w, r, tankID)

	case action == "consume" && r.Method == http.MethodPost:
		rt.handleConsume(w, r, tankID)

	case action == "refill" && r.Method == http.MethodPost:
		rt.handleRefill(w, r, tankID)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (rt *Router) handleSetRate(w http.ResponseWriter, r *http.Request, tankID string) {
	var req struct {
		RatePerHour float64 `json:"ratePerHour"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RatePerHour <= 0 {
		writeError(w, http.StatusBadRequest, "ratePerHour must be positive")
		return
	}

	if !rt.simulator.Status(tankID).IsRunning {
		writeError(w, http.StatusConflict, "simulation not running")
		return
	}

	rt.simulator.SetConsumptionRate(tankID, req.RatePerHour)
	writeOK(w, rt.simulator.Status(tankID))
}

func (rt *Router) handleConsume(w http.ResponseWriter, r *http.Request, tankID string) {
	var req struct {
		Liters float64 `json:"liters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reading, err := rt.simulator.SimulateConsumption(r.Context(), tankID, req.Liters)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, reading)
}

func (rt *Router) handleRefill(w http.ResponseWriter, r *http.Request, tankID string) {
	var req struct {
		Liters *float64 `json:"liters"`
	}
	// 空 body 表示充满
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reading, err := rt.simulator.SimulateRefill(r.Context(), tankID, req.Liters)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, reading)
}

// ============================================
// 告警
// ============================================

// GET /api/alerts?tankId=&type=&severity=&status=&page=&size=
func (rt *Router) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	filters := repository.AlertFilters{}
	if v := q.Get("tankId"); v != "" {
		filters.TankID = &v
	}
	if v := q.Get("type"); v != "" {
		filters.Type = &v
	}
	if v := q.Get("severity"); v != "" {
		filters.Severity = &v
	}
	if v := q.Get("status"); v != "" {
		filters.Status = &v
	}

	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	alerts, total, err := rt.alerts.ListAlerts(r.Context(), filters, page, size)
	if err != nil {
		rt.logger.Error("Failed to list alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	writeOK(w, map[string]interface{}{
		"items": alerts,
		"total": total,
	})
}

// GET /api/alerts/active?tankId=
func (rt *Router) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var tankID *string
	if v := r.URL.Query().Get("tankId"); v != "" {
		tankID = &v
	}

	alerts, err := rt.alerts.GetActiveAlerts(r.Context(), tankID)
	if err != nil {
		rt.logger.Error("Failed to get active alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get active alerts")
		return
	}
	writeOK(w, alerts)
}

// POST /api/alerts/{id}/acknowledge | /api/alerts/{id}/resolve
func (rt *Router) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/alerts/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	alertID, action := parts[0], parts[1]

	session := sessionFromContext(r.Context())

	switch action {
	case "acknowledge":
		if err := rt.alerts.AcknowledgeAlert(r.Context(), alertID, session.UserID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeOK(w, nil)

	case "resolve":
		var req struct {
			Notes *string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := rt.alerts.ResolveAlert(r.Context(), alertID, session.UserID, req.Notes); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeOK(w, nil)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// ============================================
// 实时读数
// ============================================

// GET /api/tanks/{tankId}/realtime
func (rt *Router) handleTankRealtime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tanks/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "realtime" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	tankID := parts[0]

	session := sessionFromContext(r.Context())
	if !session.CanAccessTank(tankID) {
		writeError(w, http.StatusForbidden, "access denied to tank "+tankID)
		return
	}

	reading, err := rt.realtime.GetLatestReading(r.Context(), tankID)
	if err != nil {
		rt.logger.Error("Failed to read realtime cache",
			zap.String("tank_id", tankID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to read realtime data")
		return
	}
	if reading == nil {
		writeError(w, http.StatusNotFound, "no realtime data for tank "+tankID)
		return
	}
	writeOK(w, reading)
}
