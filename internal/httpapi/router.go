package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"iot-telemetry/internal/broadcast"
	"iot-telemetry/internal/consumer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// IngestionHealth 采集 worker 的连接健康状态
type IngestionHealth interface {
	State() consumer.ConnState
	Healthy() bool
}

// CheckFunc 依赖项探活（数据库、Redis）
type CheckFunc func(ctx context.Context) error

// RouterConfig 路由依赖
type RouterConfig struct {
	Hub        *broadcast.Hub
	SendBuffer int
	Ingestion  IngestionHealth
	Checks     map[string]CheckFunc
	Logger     *zap.Logger
}

// HealthResponse /healthz 响应
type HealthResponse struct {
	Status       string            `json:"status"`
	MQTT         string            `json:"mqtt"`
	MQTTHealthy  bool              `json:"mqtt_healthy"`
	LiveClients  int               `json:"live_clients"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// NewRouter 创建 HTTP 路由：/ws 实时推送，/healthz 健康检查，/metrics 指标
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/ws", broadcast.ServeWS(cfg.Hub, cfg.SendBuffer, cfg.Logger))
	r.Get("/healthz", healthHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func healthHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if cfg.Hub != nil {
			resp.LiveClients = cfg.Hub.ClientCount()
		}
		if cfg.Ingestion != nil {
			resp.MQTT = cfg.Ingestion.State().String()
			resp.MQTTHealthy = cfg.Ingestion.Healthy()
			if !resp.MQTTHealthy {
				resp.Status = "unhealthy"
			}
		}

		if len(cfg.Checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			names := make([]string, 0, len(cfg.Checks))
			for name := range cfg.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			resp.Dependencies = make(map[string]string, len(names))
			for _, name := range names {
				if err := cfg.Checks[name](ctx); err != nil {
					resp.Dependencies[name] = err.Error()
					resp.Status = "unhealthy"
					continue
				}
				resp.Dependencies[name] = "ok"
			}
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// requestLogger 用 zap 记录请求（/metrics 和 /healthz 只记 debug）
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				logger.Debug("HTTP request", fields...)
				return
			}
			logger.Info("HTTP request", fields...)
		})
	}
}
