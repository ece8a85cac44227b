// Package server wires every control-plane subsystem together and exposes
// the HTTP API. main() builds a Server from config, calls Run, done.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
	"github.com/marcus-qen/praetor/internal/brain"
	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/audit"
	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/billing"
	"github.com/marcus-qen/praetor/internal/controlplane/canary"
	"github.com/marcus-qen/praetor/internal/controlplane/config"
	"github.com/marcus-qen/praetor/internal/controlplane/evals"
	"github.com/marcus-qen/praetor/internal/controlplane/events"
	"github.com/marcus-qen/praetor/internal/controlplane/export"
	"github.com/marcus-qen/praetor/internal/controlplane/flags"
	"github.com/marcus-qen/praetor/internal/controlplane/incidents"
	"github.com/marcus-qen/praetor/internal/controlplane/mcpserver"
	"github.com/marcus-qen/praetor/internal/controlplane/metrics"
	"github.com/marcus-qen/praetor/internal/controlplane/oidc"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
	"github.com/marcus-qen/praetor/internal/controlplane/scim"
	"github.com/marcus-qen/praetor/internal/controlplane/session"
	"github.com/marcus-qen/praetor/internal/controlplane/slo"
	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
	"github.com/marcus-qen/praetor/internal/controlplane/users"
	"github.com/marcus-qen/praetor/internal/engine"
	"github.com/marcus-qen/praetor/internal/shared/ratelimit"
	"github.com/marcus-qen/praetor/internal/shared/signing"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	// Tenancy + identity
	tenants         *tenancy.Store
	userStore       *users.Store
	sessionStore    *session.Store
	tokens          *auth.TokenIssuer
	oidcProvider    *oidc.Provider
	defaultTenantID string

	// Domain stores
	runbooks      *runbook.Store
	policies      *policy.Store
	runStore      *runs.Store
	approvals     *approval.Service
	auditStore    *audit.Store
	flagStore     *flags.Store
	canaryStore   *canary.Store
	billing       *billing.Service
	evalStore     *evals.Store
	incidentStore *incidents.Store
	exporter      *export.Service
	sloTargets    []slo.Target

	// Execution
	registry  *adapters.Registry
	evaluator *policy.Evaluator
	brain     *brain.Brain
	bus       *events.Bus
	engine    *engine.Engine

	// Surfaces
	mcp     *mcpserver.MCPServer
	scim    *scim.Handler
	metrics *metrics.Metrics

	limiter    *ratelimit.Limiter
	httpServer *http.Server
}

// New builds a fully-wired Server from config. A store that cannot open
// on disk falls back to an in-memory database so the process still comes
// up; the degradation is logged, not fatal.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DatabaseURL != "" {
		cfg.DataDir = strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(),
		metrics: metrics.New(),
		limiter: ratelimit.New(cfg.RateLimit.DefaultRPS, cfg.RateLimit.Burst),
		tokens:  auth.NewTokenIssuer([]byte(cfg.JWTSecret)),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Warn("cannot create data dir, stores fall back to memory",
			zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	s.initTenancy()
	s.initStores()
	s.initExecution()
	s.initSurfaces()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	authMW := auth.NewMiddleware(
		s.tenants,
		s.tokens,
		s.sessionStore,
		&userLookup{store: s.userStore},
		s.tenants,
		s.defaultTenantID,
		cfg.AutoCreateProjects,
		logger,
	)
	inner := s.rateLimited(s.instrumented(mux))
	wrapped := authMW.Wrap(inner)
	// SCIM carries the IdP's own bearer token, which must not be parsed
	// as a control-plane JWT.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/scim/v2/") {
			inner.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the fully-wrapped HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.limiter.SweepLoop(stop, time.Minute)

	jobs := s.startJobs()
	defer jobs.Stop()

	s.logger.Info("starting control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("tenant", s.defaultTenantID),
		zap.Bool("billing", s.billing != nil && s.billing.Enabled()),
		zap.Bool("scim", s.scim != nil),
		zap.Bool("oidc", s.oidcProvider != nil && s.oidcProvider.Enabled()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down, draining runs")
	s.engine.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// startJobs schedules the recurring maintenance work: daily billing
// aggregation, monthly invoices, audit retention purge, session sweep.
func (s *Server) startJobs() *cron.Cron {
	c := cron.New()

	c.AddFunc("5 0 * * *", func() {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := s.billing.AggregateDay(day); err != nil {
			s.logger.Warn("billing aggregation failed", zap.Error(err))
		}
	})
	c.AddFunc("15 0 1 * *", func() {
		month := time.Now().UTC().AddDate(0, -1, 0)
		if err := s.billing.GenerateInvoices(month); err != nil {
			s.logger.Warn("invoice generation failed", zap.Error(err))
		}
	})
	if s.cfg.AuditRetentionDays > 0 {
		c.AddFunc("30 1 * * *", func() {
			window := time.Duration(s.cfg.AuditRetentionDays) * 24 * time.Hour
			if n, err := s.auditStore.Purge(window); err != nil {
				s.logger.Warn("audit purge failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("audit entries purged", zap.Int64("count", n))
			}
		})
	}
	c.AddFunc("*/15 * * * *", func() {
		if n, err := s.sessionStore.Sweep(); err == nil && n > 0 {
			s.logger.Info("expired sessions swept", zap.Int64("count", n))
		}
	})

	c.Start()
	return c
}

// Close releases every store.
func (s *Server) Close() {
	for _, c := range []interface{ Close() error }{
		s.runbooks, s.policies, s.runStore, s.auditStore, s.flagStore,
		s.canaryStore, s.billing, s.evalStore, s.incidentStore,
		s.tenants, s.userStore, s.sessionStore,
	} {
		if c != nil {
			c.Close()
		}
	}
	if s.approvals != nil {
		s.approvals.Store().Close()
	}
}

// ── Init helpers ─────────────────────────────────────────────

// dbPath returns the on-disk location for a store, or ":memory:" when the
// data dir is unusable.
func (s *Server) dbPath(name string) string {
	if _, err := os.Stat(s.cfg.DataDir); err != nil {
		return ":memory:"
	}
	return filepath.Join(s.cfg.DataDir, name)
}

func (s *Server) initTenancy() {
	tenants, err := tenancy.NewStore(s.dbPath("tenancy.db"))
	if err != nil {
		s.logger.Warn("tenancy store falling back to memory", zap.Error(err))
		tenants, err = tenancy.NewStore(":memory:")
		if err != nil {
			s.logger.Fatal("cannot initialize tenancy store", zap.Error(err))
		}
	}
	s.tenants = tenants

	tenant, err := tenants.EnsureTenant(s.cfg.DefaultTenantName)
	if err != nil {
		s.logger.Fatal("cannot ensure default tenant", zap.Error(err))
	}
	s.defaultTenantID = tenant.ID

	userStore, err := users.Open(s.dbPath("users.db"), s.defaultTenantID)
	if err != nil {
		s.logger.Warn("user store falling back to memory", zap.Error(err))
		userStore, err = users.Open(":memory:", s.defaultTenantID)
		if err != nil {
			s.logger.Fatal("cannot initialize user store", zap.Error(err))
		}
	}
	s.userStore = userStore

	ttl := time.Duration(s.cfg.SessionTTLMin) * time.Minute
	sessionStore, err := session.Open(s.dbPath("sessions.db"), ttl)
	if err != nil {
		s.logger.Warn("session store falling back to memory", zap.Error(err))
		sessionStore, err = session.Open(":memory:", ttl)
		if err != nil {
			s.logger.Fatal("cannot initialize session store", zap.Error(err))
		}
	}
	s.sessionStore = sessionStore

	if s.cfg.OIDC.Enabled {
		provider, err := oidc.NewProvider(context.Background(), s.cfg.OIDC, s.logger)
		if err != nil {
			s.logger.Warn("oidc provider disabled", zap.Error(err))
		} else {
			s.oidcProvider = provider
			s.logger.Info("oidc provider enabled", zap.String("provider", provider.ProviderName()))
		}
	}
}

func (s *Server) initStores() {
	open := func(name string, fn func(path string) error) {
		if err := fn(s.dbPath(name)); err != nil {
			s.logger.Warn("store falling back to memory",
				zap.String("store", name), zap.Error(err))
			if err := fn(":memory:"); err != nil {
				s.logger.Fatal("cannot initialize store",
					zap.String("store", name), zap.Error(err))
			}
		}
	}

	open("runbooks.db", func(path string) error {
		st, err := runbook.Open(path)
		s.runbooks = st
		return err
	})
	open("policies.db", func(path string) error {
		st, err := policy.Open(path)
		s.policies = st
		return err
	})
	open("runs.db", func(path string) error {
		st, err := runs.Open(path)
		s.runStore = st
		return err
	})
	open("audit.db", func(path string) error {
		st, err := audit.NewStore(path, []byte(s.cfg.AuditSecret))
		s.auditStore = st
		return err
	})
	open("flags.db", func(path string) error {
		st, err := flags.Open(path)
		s.flagStore = st
		return err
	})
	open("canary.db", func(path string) error {
		st, err := canary.Open(path)
		s.canaryStore = st
		return err
	})
	open("approvals.db", func(path string) error {
		sigTTL := time.Duration(s.cfg.ApprovalSigTTLMin) * time.Minute
		st, err := approval.Open(path, signing.NewSigner([]byte(s.cfg.ApprovalSecret)), sigTTL)
		if err == nil {
			s.approvals = approval.NewService(st, s.logger)
		}
		return err
	})
	open("billing.db", func(path string) error {
		svc, err := billing.Open(path, s.runStore, billing.Limits{
			MaxTokensPerDay:    s.cfg.Billing.HardTokensDay,
			MaxCostPerMonthUSD: s.cfg.Billing.HardCostMonth,
		}, s.cfg.Billing.Enabled, s.logger)
		s.billing = svc
		return err
	})
	open("evals.db", func(path string) error {
		st, err := evals.Open(path, s.runStore, s.logger)
		s.evalStore = st
		return err
	})
	open("incidents.db", func(path string) error {
		st, err := incidents.Open(path, s.runStore, s.logger)
		s.incidentStore = st
		return err
	})

	s.exporter = &export.Service{
		Runbooks:  s.runbooks,
		Policies:  s.policies,
		Runs:      s.runStore,
		Approvals: s.approvals,
		Incidents: s.incidentStore,
		Canary:    s.canaryStore,
		Logger:    s.logger,
	}

	targets, err := slo.Load(s.cfg.SLOTargetsPath)
	if err != nil {
		s.logger.Warn("slo targets not loaded",
			zap.String("path", s.cfg.SLOTargetsPath), zap.Error(err))
	}
	s.sloTargets = targets
}

func (s *Server) initExecution() {
	s.registry = adapters.NewRegistry(s.metrics, s.logger)
	adapters.RegisterDefaultMocks(s.registry)
	s.registerRealAdapters()

	s.evaluator = policy.NewEvaluator(policy.NewSchemaRegistry(), s.logger)

	var provider brain.Provider
	pricing := brain.Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	switch s.cfg.Brain.Provider {
	case "anthropic":
		provider = brain.NewAnthropic(s.cfg.Brain.APIKey, s.cfg.Brain.Model, pricing)
	case "openai":
		provider = brain.NewOpenAI(s.cfg.Brain.BaseURL, s.cfg.Brain.APIKey, s.cfg.Brain.Model, pricing)
	}
	s.brain = brain.New(provider, s.logger)

	s.engine = engine.New(engine.Core{
		Runs:      s.runStore,
		Runbooks:  s.runbooks,
		Policies:  s.policies,
		Evaluator: s.evaluator,
		Approvals: s.approvals,
		Brain:     s.brain,
		Adapters:  s.registry,
		Flags:     s.flagStore,
		Bus:       s.bus,
		Audit:     s.auditStore,
		Logger:    s.logger,

		Workers:      s.cfg.Engine.Workers,
		ApprovalWait: time.Duration(s.cfg.Engine.ApprovalWaitMin) * time.Minute,
		CallTimeout:  time.Duration(s.cfg.Engine.AdapterTimeoutSec) * time.Second,
	})
}

func (s *Server) initSurfaces() {
	s.mcp = mcpserver.New(s.runbooks, s.runStore, s.approvals, s.registry,
		s.engine, s.defaultTenantID, s.logger)

	if s.cfg.SCIM.Enabled {
		s.scim = &scim.Handler{
			Users:       s.userStore,
			Tenancy:     s.tenants,
			TenantID:    s.defaultTenantID,
			BearerToken: s.cfg.SCIM.BearerToken,
			RoleMap:     s.cfg.SCIM.RoleMap,
			Logger:      s.logger,
		}
	}
}

// ── Middleware ───────────────────────────────────────────────

// unlimitedPaths bypass the rate limiter: probes and scrapes must not
// starve behind tenant traffic.
var unlimitedPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !unlimitedPaths[r.URL.Path] {
			id := auth.IdentityFromContext(r.Context())
			if !s.limiter.Allow(id.RateKey()) {
				s.metrics.RateLimitDropped.Inc()
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// instrumented counts requests per mux pattern. The mux sets r.Pattern on
// the request it was handed, so the labels are route shapes, not raw
// paths with embedded ids.
func (s *Server) instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(r.Method, route, sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ── Authorization ────────────────────────────────────────────

// rolesOf merges bearer-token claim roles with the identity's role
// bindings.
func (s *Server) rolesOf(id auth.Identity) []string {
	roles := append([]string(nil), id.ClaimRoles...)
	if id.TenantID != "" {
		if bound, err := s.tenants.RolesFor(id.TenantID, id.ProjectID, id.Subjects()); err == nil {
			roles = append(roles, bound...)
		}
	}
	return roles
}

// withPermission gates a handler on (action, resource) for the resolved
// identity. Anonymous requests get 401, insufficient roles 403.
func (s *Server) withPermission(action, resource string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := auth.IdentityFromContext(r.Context())
		if id.Anonymous() {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !auth.Allow(s.rolesOf(id), action, resource) {
			writeJSONError(w, http.StatusForbidden, "forbidden", action+" "+resource+" denied")
			return
		}
		h(w, r)
	}
}

// audit records an API action attributed to the request identity.
func (s *Server) audit(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	id := auth.IdentityFromContext(r.Context())
	s.auditStore.Emit(id.ActorType, id.ActorID, id.TenantID, action, resourceType, resourceID, payload)
}

// ── Auth middleware adapters ─────────────────────────────────

// userLookup adapts the users store to the identity middleware.
type userLookup struct {
	store *users.Store
}

func (l *userLookup) GetUser(id string) (*auth.SessionUser, error) {
	u, err := l.store.Get(id)
	if err != nil {
		return nil, err
	}
	groups, _ := l.store.GroupsForUser(u.ID)
	return &auth.SessionUser{
		ID:          u.ID,
		TenantID:    u.TenantID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Groups:      groups,
		Disabled:    u.Disabled,
	}, nil
}
