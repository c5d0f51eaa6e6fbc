// Package web provides the HTTP surface of the flow-sensor daemon: status
// page and JSON, the settings form, the run-started trigger, run history,
// Prometheus metrics and a live websocket stream.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/history"
	"github.com/sweeney/flow-sensor/internal/status"
)

// Controller is the part of the sampler the web layer drives.
type Controller interface {
	Settings() config.Settings
	UpdateSettings(ctx context.Context, form map[string]string) (config.Settings, error)
	OnRunStarted(ctx context.Context) error
	Amount(ch int) (float64, error)
	Usage(ch int) string
}

// History lists recorded runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
}

// Options wires the server's collaborators. Nil History, Metrics and Hub
// disable their routes.
type Options struct {
	Addr       string
	Tracker    *status.Tracker
	Controller Controller
	History    History
	Metrics    http.Handler
	Hub        *Hub
}

// Server serves the web surface over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)

	r.Get("/settings", s.handleSettingsForm)
	r.Post("/settings", s.handleSettingsSave)
	r.Get("/settings.json", s.handleSettingsJSON)

	r.Route("/api", func(r chi.Router) {
		r.Post("/run-started", s.handleRunStarted)
		r.Get("/usage/{channel}", s.handleUsage)
		if opts.History != nil {
			r.Get("/history", s.handleHistory)
		}
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Hub != nil {
		r.Handle("/ws", opts.Hub)
	}

	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: r,
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleSettingsForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderSettings(w, s.opts.Controller.Settings(), "", r.URL.Query().Get("saved") != "")
}

func (s *Server) handleSettingsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Settings())
}

// handleSettingsSave applies the submitted form. Validation failures are
// reported as 400 and persistence failures as 500, both on the form page so
// the operator sees them.
func (s *Server) handleSettingsSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	_, err := s.opts.Controller.UpdateSettings(r.Context(), form)
	if err == nil {
		http.Redirect(w, r, "/settings?saved=1", http.StatusSeeOther)
		return
	}

	code := http.StatusInternalServerError
	if errors.Is(err, config.ErrInvalidSetting) {
		code = http.StatusBadRequest
	}
	log.Warnf("web: settings save failed: %v", err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	renderSettings(w, s.opts.Controller.Settings(), err.Error(), false)
}

func (s *Server) handleRunStarted(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.OnRunStarted(r.Context()); err != nil {
		// A failed hardware reset still resets the channel state.
		log.Warnf("web: run started: %v", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "reset", "warning": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "reset"})
}

// handleUsage reports the amount on one channel. Channels are 1-based in URLs.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		http.Error(w, "channel must be a number", http.StatusBadRequest)
		return
	}
	amount, err := s.opts.Controller.Amount(n - 1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, UsageJSON{
		Channel: n,
		Amount:  amount,
		Usage:   s.opts.Controller.Usage(n - 1),
		Units:   string(s.opts.Controller.Settings().Units),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		log.Errorf("web: history: %v", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, formatHistory(runs))
}
