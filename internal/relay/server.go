// Package relay implements the public side of the tunnel: it accepts the
// single hidden peer on the control port, then translates every external
// client accepted on the exposed port into a signaled, per-flow encrypted
// pair of sockets.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/postalsys/burrow/internal/control"
	"github.com/postalsys/burrow/internal/crypto"
	"github.com/postalsys/burrow/internal/logging"
	"github.com/postalsys/burrow/internal/metrics"
	"github.com/postalsys/burrow/internal/protocol"
	"github.com/postalsys/burrow/internal/pump"
	"github.com/postalsys/burrow/internal/recovery"
)

// flowBufSize is the read buffer for both legs of a relay-side pump.
const flowBufSize = 2048

// Config holds relay configuration.
type Config struct {
	// Bind is the address the control and exposed listeners bind to.
	// Empty means all interfaces.
	Bind string

	// ConfigPort is the control port the hidden agent dials. Zero lets the
	// OS choose (useful in tests).
	ConfigPort uint16

	// ExposedPort is the public data port. Zero lets the OS choose.
	ExposedPort uint16

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the relay process. Any failure on the control path is fatal:
// Run returns the error and the process is expected to exit nonzero.
type Server struct {
	cfg    Config
	logger *slog.Logger
	m      *metrics.Metrics

	mu        sync.Mutex
	controlLn net.Listener
	dataLn    net.Listener
	session   *control.Session
}

// New creates a new relay server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Server{cfg: cfg, logger: logger, m: m}
}

// Run binds the control port, serves exactly one hidden peer, then accepts
// external clients on the exposed port until the first fatal error. It
// blocks for the life of the process.
func (s *Server) Run(ctx context.Context) error {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}

	controlLn, err := net.Listen("tcp", s.addr(s.cfg.ConfigPort))
	if err != nil {
		return fmt.Errorf("bind control port: %w", err)
	}
	s.setControlListener(controlLn)

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("waiting for hidden peer",
		logging.KeyComponent, "relay",
		logging.KeyAddress, controlLn.Addr().String())

	conn, err := controlLn.Accept()
	// Only the first peer is served; nobody else gets to talk to us.
	controlLn.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept hidden peer: %w", err)
	}

	session := control.NewSession(conn, s.logger)
	s.setSession(session)
	defer session.Close()

	s.logger.Info("hidden peer connected",
		logging.KeyComponent, "relay",
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	if err := session.HandshakeAccept(kp); err != nil {
		s.m.HandshakeErrors.Inc()
		return fmt.Errorf("handshake: %w", err)
	}

	dataLn, err := net.Listen("tcp", s.addr(s.cfg.ExposedPort))
	if err != nil {
		return fmt.Errorf("bind exposed port: %w", err)
	}
	s.setDataListener(dataLn)
	defer dataLn.Close()

	s.logger.Info("exposed listener started",
		logging.KeyComponent, "relay",
		logging.KeyAddress, dataLn.Addr().String())

	for {
		clientConn, err := dataLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept client: %w", err)
		}

		if err := s.serveFlow(session, clientConn); err != nil {
			// The control session is presumed broken.
			clientConn.Close()
			return err
		}
	}
}

// serveFlow sets up one flow: bind an ephemeral loopback listener, announce
// it to the hidden peer, wait for the peer's dial, then hand both sockets
// to a pump. The NewConnection record is fully written before the ephemeral
// accept, so the peer always learns the port before dialing it.
//
// Setup is serial on purpose: at most one NewConnection is in flight, and
// the peer's dial completes before the next external client is accepted.
func (s *Server) serveFlow(session *control.Session, clientConn net.Conn) error {
	origin := originOf(clientConn)

	ephemeralLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind ephemeral listener: %w", err)
	}
	defer ephemeralLn.Close()

	ephemeralPort := uint16(ephemeralLn.Addr().(*net.TCPAddr).Port)

	key, err := crypto.NewFlowKey()
	if err != nil {
		return err
	}

	rec := &protocol.NewConnection{
		EphemeralPort: ephemeralPort,
		FlowKey:       key,
		Origin:        origin,
	}
	if err := session.WriteRecord(rec); err != nil {
		return err
	}
	s.m.ControlRecordsSent.Inc()

	tunnelConn, err := ephemeralLn.Accept()
	if err != nil {
		return fmt.Errorf("accept hidden dial: %w", err)
	}

	s.logger.Info("flow started",
		logging.KeyComponent, "relay",
		logging.KeyFlowID, key.ShortString(),
		logging.KeyRemoteAddr, origin.String(),
		logging.KeyPort, ephemeralPort)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "relay.flow")
		pump.Run(pump.Config{
			Local:         clientConn,
			Tunnel:        tunnelConn,
			Key:           key,
			LocalBufSize:  flowBufSize,
			TunnelBufSize: flowBufSize,
			Logger:        s.logger,
			Metrics:       s.m,
		})
	}()

	return nil
}

// ControlAddr returns the control listener's address, or nil before it is
// bound.
func (s *Server) ControlAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlLn == nil {
		return nil
	}
	return s.controlLn.Addr()
}

// DataAddr returns the exposed listener's address, or nil before it is
// bound.
func (s *Server) DataAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataLn == nil {
		return nil
	}
	return s.dataLn.Addr()
}

// Close tears down the listeners and the control session, unblocking Run.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlLn != nil {
		s.controlLn.Close()
	}
	if s.dataLn != nil {
		s.dataLn.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func (s *Server) setControlListener(ln net.Listener) {
	s.mu.Lock()
	s.controlLn = ln
	s.mu.Unlock()
}

func (s *Server) setDataListener(ln net.Listener) {
	s.mu.Lock()
	s.dataLn = ln
	s.mu.Unlock()
}

func (s *Server) setSession(session *control.Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

func (s *Server) addr(port uint16) string {
	return net.JoinHostPort(s.cfg.Bind, strconv.Itoa(int(port)))
}

// originOf captures the client's source address for the NewConnection
// record. The protocol never interprets it.
func originOf(conn net.Conn) protocol.Origin {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return protocol.Origin{
			Port: uint16(tcpAddr.Port),
			Addr: tcpAddr.IP.String(),
		}
	}

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return protocol.Origin{Addr: conn.RemoteAddr().String()}
	}
	port, _ := strconv.Atoi(portStr)
	return protocol.Origin{Port: uint16(port), Addr: host}
}
