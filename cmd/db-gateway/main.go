package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"conveyor-plc/internal/persistence"
)

// LimitRecord 对应一条限位事件
type LimitRecord struct {
	Evento        string    `json:"evento"`
	TipoCaja      string    `json:"tipo_caja"`
	ContadorFinal int       `json:"contador_final"`
	TraceID       string    `json:"trace_id,omitempty"`
	At            time.Time `json:"at"`
}

// ObjectRecord 对应一条物体识别记录
type ObjectRecord struct {
	Tipo    int       `json:"tipo"`
	Color   string    `json:"color"`
	Estado  string    `json:"estado"`
	TraceID string    `json:"trace_id,omitempty"`
	At      time.Time `json:"at"`
}

// store 是内存中的记录表
type store struct {
	mu      sync.RWMutex
	events  []LimitRecord
	objects []ObjectRecord
}

// newGatewayHandler 实现数据库网关的表单接口，成功时响应 OK
func newGatewayHandler(s *store, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(persistence.LimitEventPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "ERROR", http.StatusBadRequest)
			return
		}
		total, _ := strconv.Atoi(r.PostForm.Get("contador_final"))
		rec := LimitRecord{
			Evento:        r.PostForm.Get("evento"),
			TipoCaja:      r.PostForm.Get("tipo_caja"),
			ContadorFinal: total,
			TraceID:       r.Header.Get("X-Trace-ID"),
			At:            time.Now(),
		}
		s.mu.Lock()
		s.events = append(s.events, rec)
		s.mu.Unlock()
		logger.Info("记录限位事件", "evento", rec.Evento, "tipo_caja", rec.TipoCaja, "contador_final", rec.ContadorFinal, "trace_id", rec.TraceID)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc(persistence.ObjectPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "ERROR", http.StatusBadRequest)
			return
		}
		tipo, _ := strconv.Atoi(r.PostForm.Get("tipo"))
		rec := ObjectRecord{
			Tipo:    tipo,
			Color:   r.PostForm.Get("color"),
			Estado:  r.PostForm.Get("estado"),
			TraceID: r.Header.Get("X-Trace-ID"),
			At:      time.Now(),
		}
		s.mu.Lock()
		s.objects = append(s.objects, rec)
		s.mu.Unlock()
		logger.Info("记录物体", "tipo", rec.Tipo, "color", rec.Color, "estado", rec.Estado, "trace_id", rec.TraceID)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"eventos": s.events,
			"objetos": s.objects,
		})
	})
	return mux
}

// main 是本地数据库网关的入口，用于联调控制器的记录上报
func main() {
	port := os.Getenv("GATEWAY_ADDR")
	if port == "" {
		port = ":9090"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "db-gateway")
	slog.SetDefault(logger)

	logger.Info("=== 数据库网关启动 ===", "addr", port)
	if err := http.ListenAndServe(port, newGatewayHandler(&store{}, logger)); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}
