package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conveyor-plc/internal/engine"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/web"
)

// controlRequest 是操作面板提交的命令
type controlRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type resetRequest struct {
	Target string `json:"target"`
}

// commandSink 接收本地命令
type commandSink interface {
	Submit(msg types.Message) error
}

// newAPIHandler 组装 API 与 WebSocket 路由
func newAPIHandler(sink commandSink, topics engine.Topics, hub *web.Hub, st *web.StateTracker, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs(func() interface{} { return st.GetStateSnapshot() }))
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.GetStateSnapshot())
	})
	mux.HandleFunc("/api/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析控制请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		submit(w, sink, topics, types.Message{Topic: req.Topic, Payload: []byte(req.Payload)}, logger)
	})
	mux.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req := resetRequest{Target: engine.ResetAll}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Target == "" {
				req.Target = engine.ResetAll
			}
		}
		submit(w, sink, topics, types.Message{Topic: topics.Reset, Payload: []byte(req.Target)}, logger)
	})
	return mux
}

// submit 先校验命令，再交给事件分发循环执行
func submit(w http.ResponseWriter, sink commandSink, topics engine.Topics, msg types.Message, logger *slog.Logger) {
	cmd, err := topics.Interpret(msg)
	if err != nil {
		logger.Warn("拒绝本地命令", "topic", msg.Topic, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sink.Submit(msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrBusy) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "command": cmd.Kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
