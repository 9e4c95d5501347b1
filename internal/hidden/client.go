// Package hidden implements the private side of the tunnel: the agent that
// dials out to the relay, reads NewConnection records forever, and delivers
// each flow to the local target service.
package hidden

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

// flowBufSize is the read buffer for both legs of a hidden-side pump.
const flowBufSize = 1024

// Config holds hidden-agent configuration.
type Config struct {
	// RelayIP is the relay host. Both the control port and every ephemeral
	// flow port are dialed on this host.
	RelayIP string

	// ConfigPort is the relay's control port.
	ConfigPort uint16

	// TargetPort is the local service port flows are delivered to.
	TargetPort uint16

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the hidden-agent process. Any failure on the control path is
// fatal: Run returns the error and the process is expected to exit nonzero.
// A failure to reach the target service only tears down that one flow.
type Client struct {
	cfg    Config
	logger *slog.Logger
	m      *metrics.Metrics

	mu      sync.Mutex
	session *control.Session
}

// New creates a new hidden agent.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Client{cfg: cfg, logger: logger, m: m}
}

// Run dials the relay, handshakes, then reads signaling records until the
// first fatal error. It blocks for the life of the process.
func (c *Client) Run(ctx context.Context) error {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}

	relayAddr := net.JoinHostPort(c.cfg.RelayIP, strconv.Itoa(int(c.cfg.ConfigPort)))
	c.logger.Info("connecting to relay",
		logging.KeyComponent, "hidden",
		logging.KeyAddress, relayAddr)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", relayAddr)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	session := control.NewSession(conn, c.logger)
	c.setSession(session)
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	if err := session.HandshakeInitiate(kp); err != nil {
		c.m.HandshakeErrors.Inc()
		return fmt.Errorf("handshake: %w", err)
	}

	c.logger.Info("relay session established",
		logging.KeyComponent, "hidden",
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	for {
		rec, err := session.ReadRecord()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.m.ControlRecordsReceived.Inc()

		nc, ok := rec.(*protocol.NewConnection)
		if !ok {
			return fmt.Errorf("%w: expected NewConnection", control.ErrUnexpectedRecord)
		}

		c.logger.Info("flow announced",
			logging.KeyComponent, "hidden",
			logging.KeyFlowID, nc.FlowKey.ShortString(),
			logging.KeyRemoteAddr, nc.Origin.String(),
			logging.KeyPort, nc.EphemeralPort)

		// The announced listener is already bound and awaiting exactly one
		// accept, so this dial cannot race the relay.
		tunnelAddr := net.JoinHostPort(c.cfg.RelayIP, strconv.Itoa(int(nc.EphemeralPort)))
		tunnelConn, err := net.Dial("tcp", tunnelAddr)
		if err != nil {
			return fmt.Errorf("dial ephemeral port %d: %w", nc.EphemeralPort, err)
		}

		go c.runFlow(tunnelConn, nc.FlowKey)
	}
}

// runFlow connects one announced flow to the local target service. Target
// refusal tears down only this flow; the control session and other flows
// continue.
func (c *Client) runFlow(tunnelConn net.Conn, key crypto.FlowKey) {
	defer recovery.RecoverWithLog(c.logger, "hidden.flow")

	targetAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(c.cfg.TargetPort)))
	targetConn, err := net.Dial("tcp", targetAddr)
	if err != nil {
		c.m.FlowErrors.WithLabelValues("target_dial").Inc()
		c.logger.Warn("target dial failed",
			logging.KeyComponent, "hidden",
			logging.KeyFlowID, key.ShortString(),
			logging.KeyAddress, targetAddr,
			logging.KeyError, err)
		tunnelConn.Close()
		return
	}

	pump.Run(pump.Config{
		Local:         targetConn,
		Tunnel:        tunnelConn,
		Key:           key,
		LocalBufSize:  flowBufSize,
		TunnelBufSize: flowBufSize,
		Logger:        c.logger,
		Metrics:       c.m,
	})
}

// Close tears down the control session, unblocking Run.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) setSession(session *control.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}
