package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/relay/pkg/credentials"
	"github.com/aeolun/relay/pkg/history"
	"github.com/aeolun/relay/pkg/logging"
	"github.com/aeolun/relay/pkg/presence"
)

// Server represents the relay server
type Server struct {
	config   ServerConfig
	creds    credentials.Store
	history  *history.Store
	registry *presence.Registry
	sessions *SessionManager
	router   *Router
	metrics  *Metrics
	logger   zerolog.Logger

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	serveErr     chan error

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	connMu    sync.Mutex
	stopping  bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort           int
	HTTPPort          int // 0 disables the HTTP side server
	Workers           int
	HistoryCapacity   int
	HistoryEvictBatch int
	ReplayOnLogin     int
	DefaultHistory    int
	MessageRate       float64 // per second, 0 = unlimited
	MessageBurst      int
	MaxFrameBytes     uint32 // 0 = unlimited
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           9000,
		HTTPPort:          0,
		Workers:           runtime.NumCPU(),
		HistoryCapacity:   history.DefaultCapacity,
		HistoryEvictBatch: history.DefaultEvictBatch,
		ReplayOnLogin:     100,
		DefaultHistory:    50,
		MessageRate:       0,
		MessageBurst:      0,
		MaxFrameBytes:     0,
	}
}

// WorkerThreads returns the number of OS threads the process should run
// Go code on: the configured worker count, minimum 2
func (c ServerConfig) WorkerThreads() int {
	return max(c.Workers, 2)
}

// NewServer creates a new server instance. A nil metrics gets a fresh registry.
func NewServer(config ServerConfig, creds credentials.Store, logger zerolog.Logger, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger = logger.With().Str(logging.FieldComponent, "server").Logger()

	s := &Server{
		config:   config,
		creds:    creds,
		history:  history.New(config.HistoryCapacity, config.HistoryEvictBatch, logger),
		registry: presence.NewRegistry(),
		metrics:  metrics,
		logger:   logger,
		serveErr: make(chan error, 2),
		shutdown: make(chan struct{}),
	}
	s.sessions = NewSessionManager(SessionOptions{
		MessageRate:  config.MessageRate,
		MessageBurst: config.MessageBurst,
		OnClose:      s.retireSession,
	}, metrics, logger)
	s.router = NewRouter(s.registry, s.sessions, metrics, logger)
	metrics.ObserveHistory(s.history)

	return s
}

// History returns the server's history store
func (s *Server) History() *history.Store {
	return s.history
}

// Router returns the server's router
func (s *Server) Router() *Router {
	return s.router
}

// Sessions returns the session arena
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start starts the TCP listener and, when configured, the HTTP side server
func (s *Server) Start() error {
	s.startTime = time.Now()

	lc := net.ListenConfig{Control: controlSocket}
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(s.logger, listener.Addr().String())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.StdLogger(s.logger, "http"),
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
			s.serveErr <- err
		}
	}()
	return nil
}

// Run starts the server and blocks until ctx is done or a listener fails.
// The server is stopped before Run returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-s.serveErr:
			return err
		case <-gCtx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gCtx.Done()
		return s.Stop()
	})

	return g.Wait()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.connMu.Lock()
		s.stopping = true
		s.connMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = s.httpServer.Shutdown(ctx)
			cancel()
		}

		s.sessions.CloseAll()
		s.wg.Wait()

		s.logger.Info().
			Dur("uptime", time.Since(s.startTime)).
			Int("history_size", s.history.Len()).
			Msg("Server stopped")
	})
	return err
}

// Addr returns the TCP listen address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listen address, empty when disabled
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.logger.Warn().Err(err).Msg("Accept error")
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		if !s.trackConn() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, "tcp")
		}()
	}
}

// trackConn counts a connection handler into the server's wait group. It
// returns false once Stop has begun; the caller then drops the connection.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleConnection runs one connection's session until it closes
func (s *Server) handleConnection(conn net.Conn, transport string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess, err := s.sessions.CreateSession(conn, transport)
	if err != nil {
		s.logger.Debug().Err(err).Str(logging.FieldRemoteAddr, conn.RemoteAddr().String()).Msg("Rejecting connection")
		conn.Close()
		return
	}
	defer sess.Close()

	sess.Logger().Info().Msg("New connection")

	if err := sess.ReadLoop(s.config.MaxFrameBytes, s.handleFrame); err != nil {
		sess.Logger().Info().Err(err).Msg("Connection closed with error")
		return
	}
	sess.Logger().Info().Msg("Disconnected")
}

// retireSession deregisters a closed session. It runs once per session.
func (s *Server) retireSession(sess *Session) {
	if s.sessions.RemoveSession(sess.ID) {
		s.router.Logout(sess)
	}
}
