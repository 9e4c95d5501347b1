// Package control implements the control session between the relay and the
// hidden agent: a single long-lived TCP connection carrying the key-exchange
// handshake once, then a stream of NewConnection records encrypted under the
// shared-secret keystream.
package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/crypto/chacha20"

	"github.com/postalsys/burrow/internal/crypto"
	"github.com/postalsys/burrow/internal/logging"
	"github.com/postalsys/burrow/internal/protocol"
)

// readBufSize is the per-read buffer for control records. A record is at
// most a few dozen bytes; the reader still accumulates across reads until a
// whole record decodes, so records split over TCP segments are fine.
const readBufSize = 1024

var (
	// ErrUnexpectedRecord is returned when the peer sends a record variant
	// that is not valid in the session's current state.
	ErrUnexpectedRecord = errors.New("unexpected record variant")

	// ErrPeerClosed is returned when the peer closes the session.
	ErrPeerClosed = errors.New("control session closed by peer")
)

// Session is the per-process control session. Exactly one exists for the
// life of the process; any error on it is fatal to the process.
//
// After the handshake the relay only writes and the hidden agent only
// reads, so each side holds exactly one keystream state: the relay's
// advances on writes, the hidden agent's advances on reads, and the two
// stay in byte lockstep.
type Session struct {
	conn   net.Conn
	stream *chacha20.Cipher
	buf    []byte
	logger *slog.Logger
}

// NewSession wraps an established control connection. The session is
// unencrypted until a handshake completes.
func NewSession(conn net.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{conn: conn, logger: logger}
}

// HandshakeAccept runs the relay side of the handshake: read the peer's
// KeyExchange, derive the shared secret, reply with our own public key.
func (s *Session) HandshakeAccept(kp *crypto.Keypair) error {
	rec, err := s.ReadRecord()
	if err != nil {
		return fmt.Errorf("read key exchange: %w", err)
	}

	kx, ok := rec.(*protocol.KeyExchange)
	if !ok {
		return fmt.Errorf("%w: expected KeyExchange", ErrUnexpectedRecord)
	}

	secret, err := kp.SharedSecret(kx.PublicKey)
	if err != nil {
		return fmt.Errorf("derive shared secret: %w", err)
	}

	if err := s.WriteRecord(&protocol.KeyExchange{PublicKey: kp.PublicBytes()}); err != nil {
		return fmt.Errorf("write key exchange: %w", err)
	}

	s.stream = crypto.NewKeystream(secret)
	s.logger.Debug("handshake complete",
		logging.KeyComponent, "control",
		logging.KeyRemoteAddr, s.conn.RemoteAddr().String())
	return nil
}

// HandshakeInitiate runs the hidden side of the handshake: send our public
// key first, then read the relay's reply and derive the shared secret.
func (s *Session) HandshakeInitiate(kp *crypto.Keypair) error {
	if err := s.WriteRecord(&protocol.KeyExchange{PublicKey: kp.PublicBytes()}); err != nil {
		return fmt.Errorf("write key exchange: %w", err)
	}

	rec, err := s.ReadRecord()
	if err != nil {
		return fmt.Errorf("read key exchange: %w", err)
	}

	kx, ok := rec.(*protocol.KeyExchange)
	if !ok {
		return fmt.Errorf("%w: expected KeyExchange", ErrUnexpectedRecord)
	}

	secret, err := kp.SharedSecret(kx.PublicKey)
	if err != nil {
		return fmt.Errorf("derive shared secret: %w", err)
	}

	s.stream = crypto.NewKeystream(secret)
	s.logger.Debug("handshake complete",
		logging.KeyComponent, "control",
		logging.KeyRemoteAddr, s.conn.RemoteAddr().String())
	return nil
}

// WriteRecord encodes a record, applies the keystream in place once the
// handshake is done, and writes it as a single socket write.
func (s *Session) WriteRecord(rec protocol.Record) error {
	data := rec.Encode()
	if s.stream != nil {
		s.stream.XORKeyStream(data, data)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write control record: %w", err)
	}
	return nil
}

// ReadRecord reads the next record, applying the keystream to every byte as
// it arrives. It keeps reading until a whole record decodes; bytes beyond
// the record are kept for the next call.
func (s *Session) ReadRecord() (protocol.Record, error) {
	for {
		if len(s.buf) > 0 {
			rec, n, err := protocol.Decode(s.buf)
			if err == nil {
				s.buf = append(s.buf[:0], s.buf[n:]...)
				return rec, nil
			}
			if !errors.Is(err, protocol.ErrTruncated) {
				return nil, fmt.Errorf("decode control record: %w", err)
			}
		}

		chunk := make([]byte, readBufSize)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			if s.stream != nil {
				s.stream.XORKeyStream(chunk, chunk)
			}
			s.buf = append(s.buf, chunk...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrPeerClosed
			}
			return nil, fmt.Errorf("read control record: %w", err)
		}
	}
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
