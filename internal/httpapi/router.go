package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tankwatch/internal/config"
	"tankwatch/internal/gateway"
	"tankwatch/internal/models"
	"tankwatch/internal/repository"
	"tankwatch/internal/simulator"
)

// SimulationController 模拟器控制接口（由 simulator.Simulator 实现）
type SimulationController interface {
	StartSimulation(ctx context.Context, tankID string)
	StopSimulation(tankID string)
	StartAllSimulations(ctx context.Context) error
	StopAllSimulations()
	SetConsumptionRate(tankID string, ratePerHour float64)
	Status(tankID string) simulator.Status
	RunningTankIDs() []string
	SimulateConsumption(ctx context.Context, tankID string, liters float64) (*models.SensorReading, error)
	SimulateRefill(ctx context.Context, tankID string, litersAdded *float64) (*models.SensorReading, error)
}

// AlertStore 告警查询与状态管理接口（由 repository.AlertsRepository 实现）
type AlertStore interface {
	ListAlerts(ctx context.Context, filters repository.AlertFilters, page, size int) ([]*models.Alert, int, error)
	GetActiveAlerts(ctx context.Context, tankID *string) ([]*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, userID string) error
	ResolveAlert(ctx context.Context, alertID, userID string, notes *string) error
}

// RealtimeReader 实时读数查询接口（由 cache.RealtimeCache 实现）
type RealtimeReader interface {
	GetLatestReading(ctx context.Context, tankID string) (*models.SensorReading, error)
}

// Result 统一响应格式
type Result struct {
	Code int         `json:"code"` // 2000: 成功, -1: 失败
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// Router HTTP 路由
type Router struct {
	config    *config.Config
	simulator SimulationController
	alerts    AlertStore
	realtime  RealtimeReader
	verifier  gateway.TokenVerifier
	wsHandler http.HandlerFunc
	logger    *zap.Logger
}

// NewRouter 创建路由；wsHandler 为 WebSocket 握手入口，可为 nil
func NewRouter(
	cfg *config.Config,
	sim SimulationController,
	alerts AlertStore,
	realtime RealtimeReader,
	verifier gateway.TokenVerifier,
	wsHandler http.HandlerFunc,
	logger *zap.Logger,
) *Router {
	return &Router{
		config:    cfg,
		simulator: sim,
		alerts:    alerts,
		realtime:  realtime,
		verifier:  verifier,
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// Handler 构建 http.Handler
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", rt.handleHealth)

	if rt.wsHandler != nil {
		mux.HandleFunc("/ws", rt.wsHandler)
	}

	// 模拟控制（仅管理员）
	mux.HandleFunc("/api/simulation/start-all", rt.requireAdmin(rt.handleStartAll))
	mux.HandleFunc("/api/simulation/stop-all", rt.requireAdmin(rt.handleStopAll))
	mux.HandleFunc("/api/simulation/", rt.requireAdmin(rt.handleSimulationTank))

	// 告警
	mux.HandleFunc("/api/alerts", rt.requireAuth(rt.handleListAlerts))
	mux.HandleFunc("/api/alerts/active", rt.requireAuth(rt.handleActiveAlerts))
	mux.HandleFunc("/api/alerts/", rt.requireAuth(rt.handleAlertAction))

	// 实时读数
	mux.HandleFunc("/api/tanks/", rt.requireAuth(rt.handleTankRealtime))

	return mux
}

// ============================================
// 响应辅助
// ============================================

func writeResult(w http.ResponseWriter, status int, result Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeResult(w, http.StatusOK, Result{Code: 2000, Msg: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResult(w, status, Result{Code: -1, Msg: msg})
}

// ============================================
// 鉴权中间件
// ============================================

type contextKey string

const sessionContextKey contextKey = "session"

// sessionFromContext 读取已验证的会话
func sessionFromContext(ctx context.Context) *gateway.Session {
	s, _ := ctx.Value(sessionContextKey).(*gateway.Session)
	return s
}

// extractBearer 从 Authorization 头或 query 提取令牌
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireAuth 令牌验证中间件
func (rt *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := rt.verifier.Verify(r.Context(), extractBearer(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin 管理员验证中间件
func (rt *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return rt.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		session := sessionFromContext(r.Context())
		if session == nil || !session.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	})
}

// ============================================
// 健康检查
// ============================================

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}
