// Package api serves the operator-facing HTTP surface: live snapshot and
// event streaming, run control, speed override, vehicle configuration and
// node management.
package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/roadhum/vibesense/internal/db"
	"github.com/roadhum/vibesense/internal/httputil"
	"github.com/roadhum/vibesense/internal/ingest"
	"github.com/roadhum/vibesense/internal/order"
	"github.com/roadhum/vibesense/internal/pipeline"
	"github.com/roadhum/vibesense/internal/speed"
	"github.com/roadhum/vibesense/internal/units"
	"github.com/roadhum/vibesense/internal/version"
	"github.com/roadhum/vibesense/internal/wire"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// PipelineControl is the slice of the pipeline the HTTP layer drives.
type PipelineControl interface {
	StartRun() (string, error)
	Vehicle() order.VehicleConfig
	SetVehicle(order.VehicleConfig)
	Clients() []pipeline.ClientStatus
	RemoveClient(id string) bool
}

// Commander sends a single command frame to a node and waits for its ACK.
// Retry policy lives here in the API layer, not below.
type Commander interface {
	SendCommand(ctx context.Context, id wire.ClientID, cmdID uint8, body []byte) (wire.CommandAck, error)
	CancelPending(id wire.ClientID)
}

// RunStore reads back recorded runs and their events. *db.DB satisfies it.
type RunStore interface {
	Runs() ([]db.Run, error)
	Events(runID string, limit int) ([]db.EventRow, error)
}

type Server struct {
	pipeline  PipelineControl
	commander Commander
	speed     *speed.Source
	hub       *Hub
	store     RunStore // optional
	units     string
	retries   int
}

type Config struct {
	Pipeline  PipelineControl
	Commander Commander
	Speed     *speed.Source
	Hub       *Hub
	Store     RunStore

	// Units selects the display unit for speeds in API responses:
	// "mps" (default), "kmph" or "mph". Stored values are always m/s.
	Units string

	// CommandRetries is how many times a node command is attempted before
	// the request fails. Defaults to 3.
	CommandRetries int
}

func NewServer(cfg Config) *Server {
	if !units.IsValid(cfg.Units) {
		cfg.Units = units.MPS
	}
	if cfg.CommandRetries <= 0 {
		cfg.CommandRetries = 3
	}
	return &Server{
		pipeline:  cfg.Pipeline,
		commander: cfg.Commander,
		speed:     cfg.Speed,
		hub:       cfg.Hub,
		store:     cfg.Store,
		units:     cfg.Units,
		retries:   cfg.CommandRetries,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", s.showVersion)
	mux.HandleFunc("GET /api/clients", s.listClients)
	mux.HandleFunc("GET /api/snapshot", s.showSnapshot)
	mux.HandleFunc("GET /api/stream", s.streamSnapshots)
	mux.HandleFunc("GET /api/vehicle", s.showVehicle)
	mux.HandleFunc("PUT /api/vehicle", s.updateVehicle)
	mux.HandleFunc("POST /api/run/start", s.startRun)
	mux.HandleFunc("GET /api/speed", s.showSpeed)
	mux.HandleFunc("POST /api/speed", s.setSpeedOverride)
	mux.HandleFunc("DELETE /api/speed", s.clearSpeedOverride)
	mux.HandleFunc("POST /api/clients/{id}/identify", s.identifyClient)
	mux.HandleFunc("DELETE /api/clients/{id}", s.removeClient)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}/events", s.listRunEvents)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	httputil.WriteJSONOK(w, v)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.pipeline.Clients())
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// showSnapshot returns the last published snapshot verbatim.
func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	last := s.hub.LastSnapshot()
	if last == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "No snapshot published yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(last)
}

// streamSnapshots serves snapshots and event batches over SSE until the
// client disconnects.
func (s *Server) streamSnapshots(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) showVehicle(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.pipeline.Vehicle())
}

func (s *Server) updateVehicle(w http.ResponseWriter, r *http.Request) {
	var v order.VehicleConfig
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid vehicle config: %v", err))
		return
	}
	if v.TireWidthMM <= 0 || v.RimDiameterIn <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Tire width and rim diameter are required")
		return
	}
	s.pipeline.SetVehicle(v)
	s.writeJSON(w, v)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.pipeline.StartRun()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start run: %v", err))
		return
	}
	s.writeJSON(w, map[string]string{"run_id": runID})
}

func (s *Server) showSpeed(w http.ResponseWriter, r *http.Request) {
	type speedResponse struct {
		speed.Reading
		Valid bool   `json:"valid"`
		Units string `json:"units"`
	}
	reading, _ := s.speed.Latest()
	_, valid := s.speed.Current()
	reading.Mps = units.ConvertSpeed(reading.Mps, s.units)
	s.writeJSON(w, speedResponse{Reading: reading, Valid: valid, Units: s.units})
}

func (s *Server) setSpeedOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mps float64 `json:"mps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid speed override: %v", err))
		return
	}
	if body.Mps < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Speed must be non-negative")
		return
	}
	s.speed.SetManual(body.Mps)
	s.writeJSON(w, map[string]any{"mps": body.Mps, "source": "manual"})
}

func (s *Server) clearSpeedOverride(w http.ResponseWriter, r *http.Request) {
	s.speed.ClearManual()
	w.WriteHeader(http.StatusNoContent)
}

// identifyClient blinks the node's LED so a technician can match the
// physical sensor to its client ID.
func (s *Server) identifyClient(w http.ResponseWriter, r *http.Request) {
	id, err := wire.ParseClientID(r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid client id: %v", err))
		return
	}

	durationMs := uint16(2000)
	if r.Body != nil {
		var body struct {
			DurationMs uint16 `json:"duration_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.DurationMs > 0 {
			durationMs = body.DurationMs
		}
	}
	cmdBody := make([]byte, 2)
	binary.LittleEndian.PutUint16(cmdBody, durationMs)

	var ack wire.CommandAck
	for attempt := 0; attempt < s.retries; attempt++ {
		ack, err = s.commander.SendCommand(r.Context(), id, wire.CmdIdentify, cmdBody)
		if !errors.Is(err, ingest.ErrNoAck) {
			break
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrUnknownClient):
		s.writeJSONError(w, http.StatusNotFound, "Unknown client")
		return
	case errors.Is(err, ingest.ErrNoAck):
		s.writeJSONError(w, http.StatusGatewayTimeout, "Node did not acknowledge")
		return
	default:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Command failed: %v", err))
		return
	}
	s.writeJSON(w, map[string]any{"client_id": id.String(), "status": ack.Status})
}

func (s *Server) removeClient(w http.ResponseWriter, r *http.Request) {
	id, err := wire.ParseClientID(r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid client id: %v", err))
		return
	}
	s.commander.CancelPending(id)
	if !s.pipeline.RemoveClient(r.PathValue("id")) {
		s.writeJSONError(w, http.StatusNotFound, "Unknown client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "Recording is disabled")
		return
	}
	runs, err := s.store.Runs()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "Recording is disabled")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	events, err := s.store.Events(r.PathValue("id"), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	s.writeJSON(w, events)
}
