// Package server implements the TCP/TLS accept loop for downstream worker
// connections: one client.Session per connection, fed frame-by-frame until
// the connection drops.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/client"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
)

// TLSConfig is the server{} block's TLS sub-shape.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Config is the listen/limits shape a Server is built from.
type Config struct {
	Host           string
	Port           int
	TLS            TLSConfig
	MaxConnections int
}

// Metrics tracks connection counts, registered once per process.
type Metrics struct {
	active           prometheus.Gauge
	total, rejected  prometheus.Counter
}

// NewMetrics registers the three connection-count instruments under
// prefix with r.
func NewMetrics(r prometheus.Registerer, prefix string) *Metrics {
	m := &Metrics{
		active:   prometheus.NewGauge(prometheus.GaugeOpts{Name: prefix + "_active_connections", Help: "Number of active worker connections."}),
		total:    prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_total_connections", Help: "Total worker connections accepted."}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_rejected_connections", Help: "Worker connections rejected (max-connections or accept errors)."}),
	}
	r.MustRegister(m.active, m.total, m.rejected)
	return m
}

// Server is the Stratum TCP/TLS listener: it turns each accepted
// connection into a client.Session and runs that session's read loop
// until the connection closes.
type Server struct {
	cfg    Config
	logger *zap.Logger

	// NewSession builds the Session for a freshly accepted connection,
	// wiring whatever RequestJob/OnDisconnect hooks the owning Proxy
	// needs before the first frame is dispatched.
	NewSession func(codec *protocol.Codec) *client.Session

	metrics *Metrics

	mu          sync.Mutex
	listener    net.Listener
	sessions    map[*client.Session]struct{}
	connCount   int64
	shuttingDown int32
	wg          sync.WaitGroup
}

// New returns a Server ready to Start. NewSession must be set by the
// caller before Start is called.
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		sessions: make(map[*client.Session]struct{}),
	}
}

// SetMetrics installs the connection-count instruments this Server
// reports through.
func (s *Server) SetMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Listen binds the configured address, making it available to Serve
// or to a test that needs the concrete (possibly OS-assigned) address
// before the accept loop starts.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := s.listen(addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Addr returns the listener's bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start is Listen followed by Serve, the convenience path for a
// process that doesn't need the bound address ahead of time.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop against an already-bound listener until
// ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return fmt.Errorf("server: Serve called before Listen")
	}

	s.logger.Info("server listening",
		zap.String("address", listener.Addr().String()),
		zap.Bool("tls", s.cfg.TLS.Enabled),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			s.countRejected()
			continue
		}

		if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", zap.String("remote_addr", conn.RemoteAddr().String()))
			s.countRejected()
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) listen(addr string) (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return tls.Listen("tcp", addr, tlsCfg)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	s.countActive(1)
	s.countTotal()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		s.countActive(-1)
	}()

	codec := protocol.NewCodec(conn)
	session := s.NewSession(codec)

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		session.Close()
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
	}()

	s.logger.Debug("worker connected", zap.String("remote_addr", conn.RemoteAddr().String()))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		req, err := codec.ReadRequest()
		if err != nil {
			s.logger.Debug("worker connection closed", zap.Error(err))
			return
		}
		if err := session.Dispatch(req); err != nil {
			s.logger.Warn("failed to handle worker request", zap.Error(err))
		}
	}
}

func (s *Server) countActive(delta float64) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m == nil {
		return
	}
	if delta > 0 {
		m.active.Inc()
	} else {
		m.active.Dec()
	}
}

func (s *Server) countTotal() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.total.Inc()
	}
}

func (s *Server) countRejected() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.rejected.Inc()
	}
}

// ConnectionCount reports how many worker connections are currently open.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}

// Shutdown stops accepting new connections, closes every open session,
// and waits for their handler goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	s.mu.Lock()
	listener := s.listener
	sessions := make([]*client.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all worker connections closed")
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out, connections may still be closing")
	}
	return nil
}
