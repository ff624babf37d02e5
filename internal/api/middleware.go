package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/ratelimit"
	"agentmarket/pkg/logger"
)

// identityFunc 从请求中提取限流身份。
type identityFunc func(r *http.Request) string

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// agentOrIP 优先使用 X-Agent-ID，其次使用客户端 IP。
func agentOrIP(r *http.Request) string {
	if agent := strings.TrimSpace(r.Header.Get("X-Agent-ID")); agent != "" {
		return ratelimit.AgentKey(agent)
	}
	return ratelimit.IPKey(clientIP(r))
}

// secretOrIP 用于轮询：以买方密钥摘要为身份。
func secretOrIP(r *http.Request) string {
	if secret := buyerSecret(r); secret != "" {
		return ratelimit.SecretKey(secret)
	}
	return agentOrIP(r)
}

func buyerSecret(r *http.Request) string {
	if secret := strings.TrimSpace(r.Header.Get("X-Buyer-Secret")); secret != "" {
		return secret
	}
	return strings.TrimSpace(r.Header.Get("Buyer-Secret"))
}

// limit 按操作限流。限流器自身故障按暂不可用处理。
func (s *Server) limit(op string, identity identityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.deps.Limits == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := s.deps.Limits.Allow(r.Context(), op, identity(r))
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !decision.Allowed {
				metrics.ObserveRateLimited(op)
				writeError(w, r, decision.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// observe 记录请求指标与访问日志。日志只包含路由与状态，不包含请求头。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(route, r.Method, status, elapsed)
		logger.L().Debug("HTTP 请求",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
		)
	})
}
