package httpapi

import (
	"net/http"
	"strings"

	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if req.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// only 限定请求方法
func only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}

// sourceFromPath /api/ingest/primary -> primary；未知来源返回 false
func sourceFromPath(path, prefix string) (models.Source, bool) {
	src := models.Source(strings.TrimPrefix(path, prefix))
	return src, src.Valid()
}

// RegisterBPMRoutes 注册看板 REST 接口
func (r *Router) RegisterBPMRoutes(h *BPMHandler) {
	r.Handle("/api/bpm-data", only(http.MethodGet, h.GetReadings))
	r.Handle("/api/devices", only(http.MethodGet, h.GetDevices))
	r.Handle("/api/alerts", only(http.MethodGet, h.GetAlerts))
	r.Handle("/api/system-status", only(http.MethodGet, h.GetSystemStatus))
	r.Handle("/api/system-health", only(http.MethodGet, h.GetSystemHealth))
	r.Handle("/api/stats", only(http.MethodGet, h.GetStats))
	r.Handle("/api/readings/history", only(http.MethodGet, h.GetHistory))

	// alerts/{id}/acknowledge
	r.Handle("/api/alerts/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/alerts/")
		id, ok := strings.CutSuffix(rest, "/acknowledge")
		if !ok || id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.AcknowledgeAlert(w, req, id)
	})

	r.Handle("/api/ingest/", only(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		src, ok := sourceFromPath(req.URL.Path, "/api/ingest/")
		if !ok {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
		h.Ingest(w, req, src)
	}))

	r.Handle("/api/heartbeat/", only(http.MethodPost, func(w http.ResponseWriter, req *http.Request) {
		src, ok := sourceFromPath(req.URL.Path, "/api/heartbeat/")
		if !ok {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
		h.Heartbeat(w, req, src)
	}))
}

// RegisterStreamRoutes 注册实时推送接口
func (r *Router) RegisterStreamRoutes(s *StreamHandler) {
	r.Handle("/api/stream", only(http.MethodGet, s.SSE))
	r.Handle("/api/ws", only(http.MethodGet, s.WebSocket))
}

// RegisterHealthRoutes 进程存活探针
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
