package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"agentmarket/internal/claim"
	"agentmarket/internal/execution"
	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/payment"
	"agentmarket/internal/ratelimit"
	"agentmarket/internal/registry"
	"agentmarket/internal/task"
	"agentmarket/internal/webhook"
	"agentmarket/pkg/logger"
)

// OperationExecute 是定价文件中 /execute 对应的操作名。
const OperationExecute = "execute"

// Deps 汇总 HTTP 层依赖的服务。市场侧与卖方侧可以只提供其一，未提供的路由不会挂载。
type Deps struct {
	Registry      *registry.Service
	Tasks         *task.Service
	Claims        *claim.Aggregator
	Subscriptions webhook.SubscriptionStore
	Webhooks      *webhook.Dispatcher

	Gate    *payment.Gate
	Machine *execution.Machine

	Limits *ratelimit.Set
	// Checks 在 /healthz 中逐项执行，任一失败返回 503。
	Checks map[string]func(ctx context.Context) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr              string
	deps              Deps
	corsOrigins       []string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	metrics           bool
	validate          *validator.Validate
	router            chi.Router
}

// Option 自定义 Server。
type Option func(*Server)

// WithCORSOrigins 设置允许跨域的来源。
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithTimeouts 设置读取请求头与优雅关闭的超时。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithMetrics 控制是否挂载 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		deps:              deps,
		corsOrigins:       []string{"*"},
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   10 * time.Second,
		metrics:           true,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其它服务。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Agent-ID", payment.HeaderPayment, "X-Buyer-Secret", "Buyer-Secret"},
		ExposedHeaders: []string{payment.HeaderPaymentResponse, "Retry-After"},
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	if s.deps.Registry != nil {
		r.With(s.limit(ratelimit.OpRegister, agentOrIP)).Post("/register", s.handleRegister)
		r.With(s.limit(ratelimit.OpDiscovery, agentOrIP)).Get("/register/new_entries", s.handleListAgents)
		r.With(s.limit(ratelimit.OpDiscovery, agentOrIP)).Get("/agents/{agent_id}", s.handleGetAgent)
	}
	if s.deps.Tasks != nil {
		r.Route("/market/tasks", func(r chi.Router) {
			r.With(s.limit(ratelimit.OpTasks, agentOrIP)).Post("/", s.handleCreateTask)
			r.With(s.limit(ratelimit.OpTasks, agentOrIP)).Get("/", s.handleListTasks)
			r.With(s.limit(ratelimit.OpTasks, agentOrIP)).Get("/{task_id}", s.handleGetTask)
			r.With(s.limit(ratelimit.OpTasks, agentOrIP)).Post("/{task_id}/status", s.handleReportStatus)
			if s.deps.Claims != nil {
				r.With(s.limit(ratelimit.OpClaims, agentOrIP)).Post("/{task_id}/claims", s.handleSubmitClaim)
				r.With(s.limit(ratelimit.OpClaims, agentOrIP)).Get("/{task_id}/claims", s.handleListClaims)
				r.With(s.limit(ratelimit.OpClaims, agentOrIP)).Post("/{task_id}/select", s.handleSelectClaim)
			}
		})
	}
	if s.deps.Subscriptions != nil {
		r.With(s.limit(ratelimit.OpTasks, agentOrIP)).Post("/webhooks", s.handleAddWebhook)
		r.With(s.limit(ratelimit.OpTasks, agentOrIP)).Get("/webhooks", s.handleListWebhooks)
	}
	if s.deps.Gate != nil && s.deps.Machine != nil {
		r.With(s.limit(ratelimit.OpExecute, agentOrIP)).Post("/execute", s.handleExecute)
		r.With(s.limit(ratelimit.OpPoll, secretOrIP)).Get("/tasks/{task_id}", s.handlePoll)
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("HTTP 服务已启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = "unhealthy"
			logger.L().Warn("健康检查失败", slog.String("check", name), slog.Any("error", err))
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.deps.Webhooks != nil {
		body["webhooks"] = s.deps.Webhooks.Stats()
	}
	writeJSON(w, status, body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Message: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
