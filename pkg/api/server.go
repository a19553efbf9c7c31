package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mandatehq/mandate/pkg/capability"
	"github.com/mandatehq/mandate/pkg/decision"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/executor"
	"github.com/mandatehq/mandate/pkg/governance"
	"github.com/mandatehq/mandate/pkg/observability"
	"github.com/mandatehq/mandate/pkg/runner"
	"github.com/mandatehq/mandate/pkg/store"
)

// Defaults for the tunables behind Options.
const (
	DefaultRateRPS   = 50
	DefaultRateBurst = 100
)

// Deps are the kernel surfaces the API serves. All are required.
type Deps struct {
	DB          *store.DB
	Tasks       *store.TaskStore
	Events      *eventlog.Log
	Plans       *decision.Recorder
	Registry    *capability.Registry
	Escalations *capability.Escalations
	Authorizer  *capability.Authorizer
	Governance  *governance.Engine
	Executor    *executor.Executor
	Runner      *runner.Runner
}

func (d Deps) validate() error {
	switch {
	case d.DB == nil:
		return fmt.Errorf("api: store is required")
	case d.Tasks == nil:
		return fmt.Errorf("api: task store is required")
	case d.Events == nil:
		return fmt.Errorf("api: event log is required")
	case d.Plans == nil:
		return fmt.Errorf("api: decision recorder is required")
	case d.Registry == nil:
		return fmt.Errorf("api: capability registry is required")
	case d.Escalations == nil:
		return fmt.Errorf("api: escalation store is required")
	case d.Authorizer == nil:
		return fmt.Errorf("api: authorizer is required")
	case d.Governance == nil:
		return fmt.Errorf("api: governance engine is required")
	case d.Executor == nil:
		return fmt.Errorf("api: executor is required")
	case d.Runner == nil:
		return fmt.Errorf("api: runner is required")
	}
	return nil
}

// Options configure the HTTP surface. Zero values get sane defaults;
// empty tokens leave the corresponding tier unreachable.
type Options struct {
	AdminToken    string
	ControlToken  string
	SessionSecret []byte
	Version       string

	// MaxTaskIterations stamps tasks created without an explicit cap.
	// Zero leaves such tasks unbounded.
	MaxTaskIterations int

	RateRPS       int
	RateBurst     int
	RedisAddr     string
	RedisPassword string

	Provider *observability.Provider
	SLO      *observability.SLOTracker
}

// Server is the kernel's HTTP and websocket surface.
type Server struct {
	deps          Deps
	auth          *Auth
	limiter       Allower
	idem          IdempotencyStorer
	provider      *observability.Provider
	slo           *observability.SLOTracker
	upgrader      websocket.Upgrader
	version       string
	maxIterations int
	patterns      []string
	log           *slog.Logger
}

// New wires the server. With a RedisAddr the rate limit is shared across
// replicas; otherwise each process limits on its own.
func New(deps Deps, opts Options, logger *slog.Logger) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = DefaultRateRPS
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	auth, err := NewAuth(opts.AdminToken, opts.ControlToken, opts.SessionSecret, logger)
	if err != nil {
		return nil, err
	}

	var limiter Allower
	if opts.RedisAddr != "" {
		limiter = NewRedisLimiter(opts.RedisAddr, opts.RedisPassword, 0, opts.RateRPS, opts.RateBurst)
	} else {
		limiter = NewGlobalRateLimiter(opts.RateRPS, opts.RateBurst)
	}

	return &Server{
		deps:     deps,
		auth:     auth,
		limiter:  limiter,
		idem:     NewMemoryIdempotencyStore(DefaultIdempotencyTTL),
		provider: opts.Provider,
		slo:      opts.SLO,
		upgrader: websocket.Upgrader{
			// The kernel fronts loopback clients; the token tiers guard
			// everything that mutates.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		version:       opts.Version,
		maxIterations: opts.MaxTaskIterations,
		log:           logger.With("component", "api"),
	}, nil
}

// Handler builds the full middleware chain and route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "GET /healthz", s.handleHealth)
	s.handle(mux, "GET /api/slo", s.handleSLO)
	s.handle(mux, "POST /api/auth/session", s.auth.RequireAdmin(s.handleSessionMint))

	s.handle(mux, "POST /api/tasks", s.auth.RequireControl(s.handleTaskCreate))
	s.handle(mux, "GET /api/tasks", s.handleTaskList)
	s.handle(mux, "GET /api/tasks/{id}", s.handleTaskGet)
	s.handle(mux, "GET /api/tasks/{id}/events", s.handleTaskEvents)
	s.handle(mux, "GET /api/tasks/{id}/graph", s.handleTaskGraph)
	s.handle(mux, "GET /api/tasks/{id}/executions", s.handleTaskExecutions)
	s.handle(mux, "POST /api/tasks/{id}/cancel", s.auth.RequireControl(s.handleTaskCancel))

	s.handle(mux, "GET /api/decisions/{plan_id}", s.handlePlanGet)
	s.handle(mux, "POST /api/decisions/{plan_id}/freeze", s.auth.RequireControl(s.handlePlanFreeze))

	s.handle(mux, "POST /api/actions/execute", s.auth.RequireControl(s.handleActionExecute))
	s.handle(mux, "POST /api/executions/{id}/rollback", s.auth.RequireAdmin(s.handleExecutionRollback))
	s.handle(mux, "POST /api/executions/{id}/replay", s.auth.RequireAdmin(s.handleExecutionReplay))

	s.handle(mux, "POST /api/capabilities/grants", s.auth.RequireAdmin(s.handleGrantCreate))
	s.handle(mux, "POST /api/capabilities/{id}/revoke", s.auth.RequireAdmin(s.handleGrantRevoke))

	s.handle(mux, "GET /api/escalations", s.handleEscalationList)
	s.handle(mux, "POST /api/escalations/{id}/approve", s.auth.RequireAdmin(s.handleEscalationApprove))
	s.handle(mux, "POST /api/escalations/{id}/reject", s.auth.RequireAdmin(s.handleEscalationReject))

	s.handle(mux, "GET /api/governance/policies", s.handlePolicyList)
	s.handle(mux, "POST /api/governance/override", s.auth.RequireAdmin(s.handleOverrideMint))

	s.handle(mux, "GET /ws/tasks/{id}/events", s.handleTaskStream)

	var h http.Handler = mux
	h = Idempotency(s.idem)(h)
	h = RateLimit(s.limiter, s.log)(h)
	h = RequestID(h)
	return h
}

// Routes lists every registered pattern, sorted. Handler must have been
// called first.
func (s *Server) Routes() []string {
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	sort.Strings(out)
	return out
}

// Close releases transport resources (the Redis pool, when one is wired).
func (s *Server) Close() error {
	if c, ok := s.limiter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	s.patterns = append(s.patterns, pattern)
	mux.Handle(pattern, s.instrument(pattern, h))
}

// instrument wraps one route with the RED metrics, a span, and the API
// latency SLO feed.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.provider == nil && s.slo == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx := r.Context()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if s.provider != nil {
			spanCtx, span := s.provider.StartSpan(ctx, route)
			defer span.End()
			ctx = spanCtx
		}

		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		if s.provider != nil {
			attrs := observability.RequestOperation(r.Method, route, rec.status)
			s.provider.RecordRequest(ctx, attrs...)
			s.provider.RecordDuration(ctx, elapsed, attrs...)
			if rec.status >= http.StatusInternalServerError {
				s.provider.RecordError(ctx, fmt.Errorf("http %d", rec.status), attrs...)
			}
		}
		if s.slo != nil {
			s.slo.Record(observability.SLOObservation{
				Operation: observability.OpAPI,
				Latency:   elapsed,
				Success:   rec.status < http.StatusInternalServerError,
			})
		}
	})
}

// writeJSON encodes v with the right content type. Encoding failures are
// logged; the status line has already gone out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: encode response", "error", err)
	}
}

// readJSON decodes the request body into dst, capping it at 1 MB.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("request body: %w", err)
	}
	return nil
}
