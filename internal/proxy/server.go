package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oblivion/oblivion/internal/config"
	"github.com/oblivion/oblivion/internal/inspect"
	"github.com/oblivion/oblivion/internal/logging"
	"github.com/oblivion/oblivion/internal/observability"
	"github.com/oblivion/oblivion/internal/ratelimit"
)

// Server owns the TLS listener and fans accepted connections out to
// handler goroutines. Handlers share the signature set, the limiter shards,
// the decision logger and the metrics; nothing else crosses connections.
type Server struct {
	cfg     *config.Config
	tlsConf *tls.Config
	engine  *inspect.Engine
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	decisions *logging.DecisionLogger
	metrics   *observability.Metrics

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg *config.Config, engine *inspect.Engine, limiter *ratelimit.Limiter, log zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	cert, err := tls.LoadX509KeyPair(
		cfg.ResolvePath(cfg.Server.TLS.CertFile),
		cfg.ResolvePath(cfg.Server.TLS.KeyFile),
	)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	return &Server{
		cfg: cfg,
		tlsConf: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert},
		},
		engine:  engine,
		limiter: limiter,
		log:     log,
	}, nil
}

func (s *Server) SetDecisionLogger(logger *logging.DecisionLogger) {
	s.decisions = logger
}

func (s *Server) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Addr returns the bound listen address, useful when the configured port
// is 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the listener and accepts until ctx is cancelled.
// Transient accept errors are logged and survived; only a listener-level
// failure is returned.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Server.Listen, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.log.Info().Str("listen", listener.Addr().String()).
		Str("upstream", s.cfg.Upstream.Addr).Msg("accepting connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.log.Warn().Err(err).Msg("transient accept error")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.metrics.ConnectionAccepted()
		go s.handleConn(conn)
	}
}
