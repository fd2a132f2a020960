// Package httpapi serves the operator HTTP surface of fatigued:
//
//	GET  /health          liveness
//	GET  /status          controller snapshot
//	POST /session/start   {"condition": "..."} begins a trial
//	POST /session/end     ends the trial, returns its summary
//	POST /session/close   closes the session
//	GET  /preview.jpg     latest frame as JPEG (?width=N)
//	GET  /ws              live record stream (websocket)
//	GET  /metrics         Prometheus metrics
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-fatigue/internal/telemetry"
	"github.com/e7canasta/orion-fatigue/modules/previewbus"
	"github.com/e7canasta/orion-fatigue/modules/report"
	"github.com/e7canasta/orion-fatigue/modules/session"
)

// Controller is the part of the session controller driven over HTTP.
type Controller interface {
	Start(condition string) error
	End() (report.Summary, error)
	Close() error
	Snapshot() session.Snapshot
}

type Server struct {
	ctrl    Controller
	bus     *previewbus.Bus
	metrics *telemetry.Metrics
	router  *mux.Router
	handler http.Handler

	upgrader  websocket.Upgrader
	wsClients atomic.Int64
	closing   chan struct{}
	closed    atomic.Bool
}

// New builds the router. accessLog receives one Combined Log Format line per
// request; metrics may be nil.
func New(ctrl Controller, bus *previewbus.Bus, metrics *telemetry.Metrics, accessLog io.Writer) *Server {
	s := &Server{
		ctrl:    ctrl,
		bus:     bus,
		metrics: metrics,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		closing: make(chan struct{}),
	}

	s.route("/health", s.handleHealth, http.MethodGet)
	s.route("/status", s.handleStatus, http.MethodGet)
	s.route("/session/start", s.handleStart, http.MethodPost)
	s.route("/session/end", s.handleEnd, http.MethodPost)
	s.route("/session/close", s.handleClose, http.MethodPost)
	s.route("/preview.jpg", s.handlePreview, http.MethodGet)
	s.route("/ws", s.handleWebSocket, http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	if accessLog == nil {
		accessLog = io.Discard
	}
	s.handler = handlers.CombinedLoggingHandler(accessLog, s.router)
	return s
}

func (s *Server) route(path string, h http.HandlerFunc, method string) {
	s.router.Handle(path, s.metrics.WrapHandler(path, h)).Methods(method)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Shutdown disconnects websocket clients. The caller shuts the http.Server.
func (s *Server) Shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closing)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, session.ErrMissingConfig):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queueStatus struct {
	Capacity int     `json:"capacity"`
	Depth    int     `json:"depth"`
	Dropped  uint64  `json:"dropped"`
	DropRate float64 `json:"drop_rate"`
}

type sourceStatus struct {
	FramesRead  uint64  `json:"frames_read"`
	TargetFPS   int     `json:"target_fps"`
	MeasuredFPS float64 `json:"measured_fps"`
	Ended       bool    `json:"ended"`
	EndReason   string  `json:"end_reason,omitempty"`
}

type statusResponse struct {
	State       string                 `json:"state"`
	SessionID   string                 `json:"session_id,omitempty"`
	TrialID     string                 `json:"trial_id,omitempty"`
	Participant string                 `json:"participant_id"`
	Condition   string                 `json:"condition,omitempty"`
	Camera      string                 `json:"camera"`
	ElapsedSec  float64                `json:"elapsed_s"`
	Latest      *report.FramePayload   `json:"latest,omitempty"`
	Queue       queueStatus            `json:"queue"`
	Source      sourceStatus           `json:"source"`
	SinkErrors  uint64                 `json:"sink_errors"`
	LastSummary *report.SummaryPayload `json:"last_summary,omitempty"`
	WSClients   int64                  `json:"ws_clients"`
	Time        time.Time              `json:"time"`
}

func (s *Server) status() statusResponse {
	snap := s.ctrl.Snapshot()
	resp := statusResponse{
		State:       snap.State.String(),
		SessionID:   snap.SessionID,
		TrialID:     snap.TrialID,
		Participant: snap.Participant,
		Condition:   snap.Condition,
		Camera:      snap.Camera,
		ElapsedSec:  snap.Elapsed.Seconds(),
		Queue: queueStatus{
			Capacity: snap.Queue.Capacity,
			Depth:    snap.Queue.Depth,
			Dropped:  snap.Queue.Dropped,
			DropRate: snap.Queue.DropRate(),
		},
		Source: sourceStatus{
			FramesRead:  snap.Source.FramesRead,
			TargetFPS:   snap.Source.TargetFPS,
			MeasuredFPS: snap.Source.MeasuredFPS,
			Ended:       snap.Source.Ended,
			EndReason:   snap.Source.EndReason,
		},
		SinkErrors: snap.SinkErrors,
		WSClients:  s.wsClients.Load(),
		Time:       time.Now(),
	}
	if snap.Latest != nil {
		p := report.NewFramePayload(*snap.Latest)
		resp.Latest = &p
	}
	if snap.LastSummary != nil {
		p := report.NewSummaryPayload(*snap.LastSummary)
		resp.LastSummary = &p
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type startRequest struct {
	Condition string `json:"condition"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := s.ctrl.Start(req.Condition); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sum, err := s.ctrl.End()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.NewSummaryPayload(sum))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Close(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}
