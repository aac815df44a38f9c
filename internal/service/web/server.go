package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// Server 是代理池的管理端 HTTP 服务：JSON API、/metrics 和统计推送 WebSocket。
type Server struct {
	conf     types.WebConf
	pool     PoolController
	gatherer prometheus.Gatherer
	handler  *Handler
	hub      *Hub

	srv *http.Server
}

// NewServer 创建管理端服务。gatherer 为 nil 时使用默认 registry。
func NewServer(conf types.WebConf, pool PoolController, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		conf:     conf,
		pool:     pool,
		gatherer: gatherer,
		handler:  NewHandler(pool),
		hub:      NewHub(),
	}
}

// Routes 返回完整的路由表。
func (s *Server) Routes() http.Handler {
	h := s.handler
	user, pass := s.conf.User, s.conf.Password
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	mux.Handle("/api/stats", basicAuthMiddleware(http.HandlerFunc(h.HandleStats), user, pass))
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(h.HandleProxies), user, pass))
	mux.Handle("/api/proxies/import", basicAuthMiddleware(http.HandlerFunc(h.HandleImport), user, pass))
	mux.Handle("/api/proxies/validate", basicAuthMiddleware(http.HandlerFunc(h.HandleValidate), user, pass))
	mux.Handle("/api/proxies/delete", basicAuthMiddleware(http.HandlerFunc(h.HandleDelete), user, pass))
	mux.Handle("/api/health-logs", basicAuthMiddleware(http.HandlerFunc(h.HandleHealthLogs), user, pass))
	mux.Handle("/api/feeds/refresh", basicAuthMiddleware(http.HandlerFunc(h.HandleRefresh), user, pass))
	mux.Handle("/api/assignments", basicAuthMiddleware(http.HandlerFunc(h.HandleAssignment), user, pass))
	mux.Handle("/api/assignments/lock", basicAuthMiddleware(http.HandlerFunc(h.HandleAssignmentLock), user, pass))
	mux.Handle("/metrics", basicAuthMiddleware(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}), user, pass))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", h.HandleStatus)
	return mux
}

// Start 在 conf.Port 上开始监听，并启动 Hub 与统计推送。端口为 0 时不启动。
// 后台 goroutine 注册到 wg，ctx 取消后 Hub 与推送循环退出。
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if s.conf.Port <= 0 {
		logger.Info().Msg("[WebServer] Admin API is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.conf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start admin API on %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Msgf("SUCCESS: Admin API is listening on http://%s", addr)

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.hub.RunStatsPusher(ctx, s.pool, s.conf.StatsPushInterval())
	}()
	go func() {
		defer wg.Done()
		// Wrap the original listener with our logging listener
		loggingL := loggingListener{Listener: listener}
		if err := s.srv.Serve(loggingL); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Shutdown 优雅关闭 HTTP 服务，并等待由请求触发的后台任务退出。
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.handler.Close()
	return err
}
