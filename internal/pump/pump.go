// Package pump moves bytes for one tunneled flow: a bidirectional copy
// between this side's plaintext endpoint and the encrypted tunnel leg,
// applying the flow's keystream in each direction.
package pump

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/chacha20"

	"github.com/postalsys/burrow/internal/crypto"
	"github.com/postalsys/burrow/internal/logging"
	"github.com/postalsys/burrow/internal/metrics"
	"github.com/postalsys/burrow/internal/recovery"
)

// DefaultBufSize is used when a buffer size is left zero.
const DefaultBufSize = 2048

// Config describes one flow's pump.
type Config struct {
	// Local is this side's plaintext endpoint: the external client socket
	// on the relay, the target-service socket on the hidden agent.
	Local net.Conn

	// Tunnel is the encrypted leg to the peer (the ephemeral-port socket).
	Tunnel net.Conn

	// Key is the flow's symmetric key. Both directions derive their own
	// keystream state from it; the two sides' states pair up crosswise.
	Key crypto.FlowKey

	// LocalBufSize and TunnelBufSize are the per-direction read buffer
	// sizes. Zero means DefaultBufSize.
	LocalBufSize  int
	TunnelBufSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Run pumps the flow until either socket reports a zero-byte read or an
// I/O error, then closes both sockets. It blocks for the life of the flow.
//
// Each direction is strictly sequential (the next read waits for the
// current write to finish), which keeps the keystream states on the two
// sides advancing by identical byte counts. The two directions progress
// independently of each other.
func Run(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	localBuf := cfg.LocalBufSize
	if localBuf <= 0 {
		localBuf = DefaultBufSize
	}
	tunnelBuf := cfg.TunnelBufSize
	if tunnelBuf <= 0 {
		tunnelBuf = DefaultBufSize
	}

	m.FlowsTotal.Inc()
	m.FlowsActive.Inc()
	defer m.FlowsActive.Dec()

	sendStream := crypto.NewKeystream([32]byte(cfg.Key))
	recvStream := crypto.NewKeystream([32]byte(cfg.Key))

	var bytesOut, bytesIn atomic.Uint64

	// Either direction ending tears down the whole flow: closing both
	// sockets unblocks the other direction's pending read or write.
	closeBoth := func() {
		cfg.Local.Close()
		cfg.Tunnel.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(logger, "pump.outbound")
		defer closeBoth()
		copyStream(cfg.Tunnel, cfg.Local, sendStream, make([]byte, localBuf), &bytesOut)
		m.BytesRelayed.WithLabelValues("to_tunnel").Add(float64(bytesOut.Load()))
	}()

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(logger, "pump.inbound")
		defer closeBoth()
		copyStream(cfg.Local, cfg.Tunnel, recvStream, make([]byte, tunnelBuf), &bytesIn)
		m.BytesRelayed.WithLabelValues("from_tunnel").Add(float64(bytesIn.Load()))
	}()

	wg.Wait()

	logger.Info("flow closed",
		logging.KeyFlowID, cfg.Key.ShortString(),
		logging.KeyBytesOut, humanize.Bytes(bytesOut.Load()),
		logging.KeyBytesIn, humanize.Bytes(bytesIn.Load()))
}

// copyStream copies one direction: read from src, apply the keystream in
// place, write everything to dst. It returns on the first zero-byte read
// or I/O error.
func copyStream(dst, src net.Conn, stream *chacha20.Cipher, buf []byte, total *atomic.Uint64) {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := buf[:n]
			stream.XORKeyStream(data, data)
			if _, werr := dst.Write(data); werr != nil {
				return
			}
			total.Add(uint64(n))
		}
		if err != nil {
			// EOF, a reset or a concurrent close all end the flow the
			// same way.
			return
		}
		if n == 0 {
			return
		}
	}
}
