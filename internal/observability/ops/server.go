// Package ops serves an optional operator HTTP endpoint: health with
// storage and goroutine counters, live event statistics, and pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"guestcast/internal/runtime/supervisor"
	"guestcast/internal/stats"
	logx "guestcast/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the server. A non-loopback Addr requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

// StatsSource feeds the /stats endpoint.
type StatsSource interface {
	Compute(ctx context.Context) (stats.Summary, error)
}

// GuestCounter is the storage check behind /healthz.
type GuestCounter interface {
	Count(ctx context.Context) (int, error)
}

// RuntimeSource reports the process supervisor's goroutine counters.
type RuntimeSource interface {
	Counters() supervisor.Counters
}

type Deps struct {
	Stats    StatsSource
	Registry GuestCounter
	// Runtime is optional.
	Runtime RuntimeSource
}

type Server struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	deps Deps
	sup  *supervisor.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Handler builds the mux for cfg. Exposed for tests.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(s.serveHealth))
	mux.HandleFunc("/stats", wrap(s.serveStats))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

type goroutineBody struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts"`
}

type healthBody struct {
	Status     string        `json:"status"`
	Guests     int           `json:"guests"`
	Goroutines goroutineBody `json:"goroutines"`
}

// serveHealth answers 503 when the guest table cannot be read.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := healthBody{Status: "ok"}
	code := http.StatusOK
	if s.deps.Registry != nil {
		n, err := s.deps.Registry.Count(ctx)
		if err != nil {
			s.log.Warn("health check: storage unavailable", logx.Err(err))
			body.Status = "storage_unavailable"
			code = http.StatusServiceUnavailable
		}
		body.Guests = n
	}
	if s.deps.Runtime != nil {
		c := s.deps.Runtime.Counters()
		body.Goroutines = goroutineBody{Active: c.Active, Started: c.Started, Restarts: c.Restarts}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statsBody struct {
	RegisteredGuests int     `json:"registered_guests"`
	PhotosShared     int64   `json:"photos_shared"`
	PhotosDelivered  int64   `json:"photos_delivered"`
	AveragePerGuest  float64 `json:"average_per_guest"`
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	sum, err := s.deps.Stats.Compute(ctx)
	if err != nil {
		s.log.Warn("stats endpoint failed", logx.Err(err))
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, statsBody{
		RegisteredGuests: sum.RegisteredCount,
		PhotosShared:     sum.TotalDistributed,
		PhotosDelivered:  sum.TotalDelivered,
		AveragePerGuest:  sum.Average,
	})
}

// Start serves under a restart loop until Stop. Disabled configs are a no-op.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	// Optional endpoint; a failure here never stops the bot.
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second), supervisor.WithStopOnCleanExit(false))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Reconfigure restarts the server when the config changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	same := s.cfg == cfg
	s.cfg = cfg
	s.mu.Unlock()
	if same {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	s.Stop(stopCtx)
	cancel()
	s.Start(ctx)
}

func (s *Server) serveOnce(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("ops server refused to start: non-loopback addr requires token", logx.String("addr", addr))
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
