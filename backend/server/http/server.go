package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type SessionService interface {
	GetSession(sessionID string) (model.SessionInfo, error)
	ListSessions() []model.SessionInfo
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    SessionService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	SessionService SessionService
	Gatherer       prometheus.Gatherer
	Cors           *cors.Cors
	ListenAddr     string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.SessionService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/sessions", srv.listSessions)
	r.HandleFunc("GET /api/sessions/{sessionID}", srv.getSession)
	r.HandleFunc("GET /healthz", healthz)
	if cfg.Gatherer != nil {
		r.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = r
	if cfg.Cors != nil {
		handler = cfg.Cors.Handler(r)
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}
	return srv
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "ok"})
}

func (srv *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.svc.ListSessions()})
}

func (srv *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	info, err := srv.svc.GetSession(sessionID)
	if err != nil {
		srv.logger.Debug().Err(err).Str("sessionID", sessionID).Msg("session lookup failed")
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: info})
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.Serve(ctx, wg, errc, srv.Server, &srv.logger)
}
