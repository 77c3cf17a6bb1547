package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/config"
	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/protocol"
	"github.com/ent0n29/geotrack/internal/provider"
	"github.com/ent0n29/geotrack/internal/stream"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// Tracker is the session lifecycle surface exposed to hosts.
type Tracker interface {
	Configure(cfg tracking.TrackingConfig) error
	Config() tracking.TrackingConfig
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() tracking.Snapshot
}

type Server struct {
	cfg      config.Config
	tracker  Tracker
	hub      *stream.Hub
	bridge   *provider.Bridge
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New builds the HTTP API. hub and bridge may be nil; their routes then
// answer 501 and 404 respectively.
func New(cfg config.Config, tracker Tracker, hub *stream.Hub, bridge *provider.Bridge, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		tracker: tracker,
		hub:     hub,
		bridge:  bridge,
		metrics: metrics,
		log:     logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/tracking", func(r chi.Router) {
		r.Get("/session", s.handleSnapshot)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handleConfigure)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/latency", s.handleLatency)
		r.Delete("/latency", s.handleResetLatency)
		r.Get("/ws", s.handleStreamWS)
	})
	r.Route("/v1/provider", func(r chi.Router) {
		r.Post("/fixes", s.handlePushFixes)
		r.Post("/events", s.handlePushEvent)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"state":          snap.State,
		"provider_mode":  s.cfg.ProviderMode,
		"stream_enabled": s.hub != nil,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.tracker.Config())
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var cfg tracking.TrackingConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.tracker.Configure(cfg); err != nil {
		respondTrackingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.Config())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Start(r.Context()); err != nil {
		respondTrackingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Stop(r.Context()); err != nil {
		respondTrackingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Latency == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}

// handleResetLatency clears the rolling window, e.g. before a field test.
func (s *Server) handleResetLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.Latency.Reset()
	}
	s.handleLatency(w, r)
}

type pushFixesResponse struct {
	Accepted int `json:"accepted"`
	Filtered int `json:"filtered"`
}

func (s *Server) handlePushFixes(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		respondError(w, http.StatusNotFound, "bridge_disabled", "provider bridge is not enabled")
		return
	}
	var fixes []tracking.LocationSample
	if err := decodeJSON(r, &fixes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var out pushFixesResponse
	for _, fix := range fixes {
		ok, err := s.bridge.PushFix(fix)
		if err != nil {
			if errors.Is(err, provider.ErrNotRunning) {
				respondError(w, http.StatusConflict, "not_running", err.Error())
				return
			}
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if ok {
			out.Accepted++
		} else {
			out.Filtered++
		}
	}
	respondJSON(w, http.StatusOK, out)
}

type pushEventRequest struct {
	Event  provider.EventKind `json:"event"`
	Detail string             `json:"detail,omitempty"`
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		respondError(w, http.StatusNotFound, "bridge_disabled", "provider bridge is not enabled")
		return
	}
	var req pushEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.bridge.PushEvent(req.Event, req.Detail); err != nil {
		switch {
		case errors.Is(err, provider.ErrUnknownEvent):
			respondError(w, http.StatusBadRequest, "unknown_event", err.Error())
		case errors.Is(err, provider.ErrNotRunning):
			respondError(w, http.StatusConflict, "not_running", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stream hub not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := s.hub.Register()
	replies := make(chan any, 16)
	replies <- protocol.NewSnapshotEvent("connected", s.tracker.Snapshot())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-client.Send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					cancel()
					return
				}
			case msg := <-replies:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("out", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.reply(replies, protocol.NewErrorEvent("gateway", err))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("in", string(t))
		}
		if control, ok := parsed.(protocol.ClientControl); ok {
			s.reply(replies, s.applyControl(ctx, control))
		}
	}

	cancel()
	s.hub.Unregister(client)
	<-writerDone
}

func (s *Server) applyControl(ctx context.Context, control protocol.ClientControl) any {
	var err error
	switch control.Action {
	case protocol.ActionStart:
		err = s.tracker.Start(ctx)
	case protocol.ActionStop:
		err = s.tracker.Stop(ctx)
	case protocol.ActionConfigure:
		err = s.tracker.Configure(*control.Config)
	}
	if err != nil {
		return protocol.NewErrorEvent("control", err)
	}
	return protocol.NewSnapshotEvent(control.Action, s.tracker.Snapshot())
}

// reply queues a direct response; writes stay on the writer goroutine, so a
// saturated queue drops the reply.
func (s *Server) reply(replies chan<- any, msg any) {
	select {
	case replies <- msg:
	default:
		s.log.Debug().Msg("stream reply queue full; dropping")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondTrackingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrInvalidParameter):
		respondError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.Is(err, tracking.ErrAlreadyActive):
		respondError(w, http.StatusConflict, "already_active", err.Error())
	case errors.Is(err, tracking.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, tracking.ErrProviderFault):
		respondError(w, http.StatusBadGateway, "provider_fault", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SampleBatch:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.ProviderFault:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
