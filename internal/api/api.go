// Package api provides the HTTP surface for payintake.
//
// It exposes the SMS gateway webhook that drives the intake conversation and
// a small JSON API for initiating payment requests and reading intake state.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slabstack/payintake/internal/intake"
	"github.com/slabstack/payintake/internal/scheduler"
	"github.com/slabstack/payintake/internal/sms"
	"github.com/slabstack/payintake/internal/store"
)

// Default server configuration.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultStaleWindow is how long a conversation may sit untouched before
	// the sweep archives it.
	DefaultStaleWindow = 24 * time.Hour
	// DefaultSweepSchedule runs the staleness sweep hourly.
	DefaultSweepSchedule = "0 * * * *"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	StaleWindow   time.Duration
	SweepSchedule string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStaleWindow sets how long a conversation may be inactive before the
// sweep archives it.
func WithStaleWindow(d time.Duration) Option {
	return func(o *Opts) { o.StaleWindow = d }
}

// WithSweepSchedule sets the cron expression for the staleness sweep.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) { o.SweepSchedule = expr }
}

// Server wires the store, intake engine, and SMS sender behind the router.
type Server struct {
	store  store.Store
	engine *intake.Engine
	sender sms.Sender
	opts   Opts
}

// NewServer creates an API server.
func NewServer(st store.Store, engine *intake.Engine, sender sms.Sender, opts ...Option) *Server {
	cfg := Opts{
		Addr:          DefaultAddr,
		StaleWindow:   DefaultStaleWindow,
		SweepSchedule: DefaultSweepSchedule,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{store: st, engine: engine, sender: sender, opts: cfg}
}

// Router builds the chi router with all routes configured.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/hooks/sms", s.smsWebhookHandler)
	r.Get("/health", s.healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/payment-requests", s.createPaymentRequestHandler)
		r.Get("/conversations/{phone}", s.getConversationHandler)
		r.Get("/payment-applications/{id}", s.getPaymentApplicationHandler)
	})

	return r
}

// Run builds the store, SMS sender, engine, and server from options, starts
// the staleness sweep, and serves until the listener fails.
func Run(storeOpts []store.Option, smsOpts []sms.Option, apiOpts []Option) error {
	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to build store: %w", err)
	}
	defer st.Close()

	sender, err := sms.NewClient(smsOpts...)
	if err != nil {
		return fmt.Errorf("failed to build Twilio client: %w", err)
	}

	engine := intake.NewEngine(st)
	srv := NewServer(st, engine, sender, apiOpts...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(srv.opts.SweepSchedule, func() {
		engine.ArchiveStale(srv.opts.StaleWindow)
	}); err != nil {
		return fmt.Errorf("failed to schedule staleness sweep: %w", err)
	}

	slog.Info("payintake API running", "addr", srv.opts.Addr, "stale_window", srv.opts.StaleWindow)
	return http.ListenAndServe(srv.opts.Addr, srv.Router())
}
