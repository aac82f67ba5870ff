package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/db"
	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

// Submitter hands command text to the control loop.
type Submitter interface {
	Submit(ctx context.Context, text string) (command.Response, error)
}

// StatusSource is the last status published by the loop.
type StatusSource interface {
	Snapshot() (model.Status, bool)
}

type Server struct {
	queue  Submitter
	board  StatusSource
	db     *sql.DB
	server *http.Server
}

type CommandRequest struct {
	Command string `json:"command"`
}

type CommandResponse struct {
	Result string        `json:"result"`
	Status *model.Status `json:"status,omitempty"`
}

type SetpointRequest struct {
	Setpoint float64 `json:"setpoint"`
}

type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type DutyRequest struct {
	Duty int `json:"duty"` // percent
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the HTTP bridge. database may be nil, which disables
// the history endpoint.
func NewServer(queue Submitter, board StatusSource, database *sql.DB) *Server {
	return &Server{
		queue: queue,
		board: board,
		db:    database,
	}
}

// Handler is the API router with CORS applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/command", s.handleCommand)

		r.Route("/channels/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetChannel)
			r.Put("/setpoint", s.handleSetSetpoint)
			r.Put("/enabled", s.handleSetEnabled)
			r.Put("/duty", s.handleSetDuty)
		})

		r.Get("/history/{sensor}", s.handleHistory)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const maxRequestBodySize = 64 << 10

func bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("address", addr).Msg("Starting REST API server")

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.board.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "No status published yet")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	s.submit(w, r, req.Command)
}

func channelName(r *http.Request) string {
	return strings.ToUpper(chi.URLParam(r, "name"))
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	st, ok := s.board.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "No status published yet")
		return
	}
	ch, ok := st.Channel(channelName(r))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleSetSetpoint(w http.ResponseWriter, r *http.Request) {
	name := channelName(r)
	var req SetpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Setpoint != math.Trunc(req.Setpoint) {
		s.writeError(w, http.StatusBadRequest, "Setpoint must be a whole number of degrees")
		return
	}
	s.submit(w, r, fmt.Sprintf("SET %s %d", name, int(req.Setpoint)))
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	name := channelName(r)
	var req EnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	state := "OFF"
	if req.Enabled {
		state = "ON"
	}
	s.submit(w, r, fmt.Sprintf("SET %s %s", name, state))
}

func (s *Server) handleSetDuty(w http.ResponseWriter, r *http.Request) {
	name := channelName(r)
	var req DutyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	s.submit(w, r, fmt.Sprintf("DUTY %s %d", name, req.Duty))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, http.StatusNotFound, "History not recorded")
		return
	}
	sensor := chi.URLParam(r, "sensor")
	limit := 60
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	rows, err := db.GetRecentTemperatures(s.db, sensor, limit)
	if err != nil {
		log.Error().Err(err).Str("sensor", sensor).Msg("Failed to read history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []db.TemperatureRow{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// submit runs text through the command queue and maps the outcome onto a
// status code.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, text string) {
	resp, err := s.queue.Submit(r.Context(), text)
	if err != nil {
		log.Warn().Err(err).Str("command", text).Msg("Command not delivered")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if resp.Err != nil {
		code := http.StatusInternalServerError
		if errors.Is(resp.Err, faults.ErrProtocol) {
			code = http.StatusBadRequest
		}
		s.writeError(w, code, resp.Reason())
		return
	}

	log.Info().Str("command", text).Msg("Command applied via API")
	out := CommandResponse{Result: "OK", Status: resp.Status}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
