package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnHandler 处理一个已经 accept 的连接，返回前负责关闭它
// node.Handler (一条命令) 和 gateway.Gateway (长连接) 都实现了它
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Config 是 TCP 服务的配置
type Config struct {
	// Name 只用于日志，例如 "gateway"、"node-pdf"
	Name string
	Addr string

	// AcceptRate 每秒允许的新连接数，<= 0 表示不限制
	AcceptRate  float64
	AcceptBurst int

	// IdleTimeout 连接上两次读写之间允许的最长间隔，0 表示不限时
	IdleTimeout time.Duration
}

// TCPServer 是 goroutine-per-connection 的 accept 循环
// 连接之间不共享任何内存状态
type TCPServer struct {
	cfg     Config
	handler ConnHandler
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer 创建服务，logger 为 nil 时使用 slog.Default()
func NewTCPServer(cfg Config, h ConnHandler, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		cfg:     cfg,
		handler: h,
		limiter: newLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		logger:  logger.With("server", cfg.Name),
		conns:   make(map[net.Conn]struct{}),
	}
}

// newLimiter 构造 accept 限速器；rate <= 0 时不限速
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Listen 绑定端口；Serve 之前调用可以提前拿到实际地址 (":0" 的情况)
func (s *TCPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr 返回监听地址，未 Listen 时为 nil
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 运行 accept 循环，直到 ctx 取消或 Shutdown
// 正常停止时返回 nil
func (s *TCPServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.closeListener)
	defer stop()

	s.logger.Info("listening", "addr", ln.Addr().String())
	var backoff time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// 临时错误 (比如文件句柄耗尽)：退避后重试
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		backoff = 0

		if !s.track(conn, true) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer func() {
		if logPanic(s.logger, conn.RemoteAddr().String(), recover()) {
			conn.Close()
		}
	}()

	if s.cfg.IdleTimeout > 0 {
		conn = &idleConn{Conn: conn, timeout: s.cfg.IdleTimeout}
	}
	s.handler.ServeConn(ctx, conn)
}

// track 登记或注销一个活跃连接；服务已关闭时拒绝登记
func (s *TCPServer) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *TCPServer) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
}

// ActiveConns 返回当前活跃连接数
func (s *TCPServer) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown 停止 accept 并等待已有连接结束；ctx 到期后强制关闭剩余连接
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// idleConn 在每次读写前刷新 deadline
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// CloseWrite 透传半关闭
func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
