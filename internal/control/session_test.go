package control

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/burrow/internal/crypto"
	"github.com/postalsys/burrow/internal/protocol"
)

// handshakePair runs the two-sided handshake over an in-memory pipe and
// returns the connected sessions (relay side, hidden side).
func handshakePair(t *testing.T) (*Session, *Session) {
	t.Helper()

	relayConn, hiddenConn := net.Pipe()
	t.Cleanup(func() {
		relayConn.Close()
		hiddenConn.Close()
	})

	relayKp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	hiddenKp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	relaySess := NewSession(relayConn, nil)
	hiddenSess := NewSession(hiddenConn, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- relaySess.HandshakeAccept(relayKp)
	}()

	if err := hiddenSess.HandshakeInitiate(hiddenKp); err != nil {
		t.Fatalf("hidden handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("relay handshake: %v", err)
	}

	return relaySess, hiddenSess
}

func TestHandshakeAndRecordRoundTrip(t *testing.T) {
	relaySess, hiddenSess := handshakePair(t)

	key, err := crypto.NewFlowKey()
	if err != nil {
		t.Fatalf("flow key: %v", err)
	}
	sent := &protocol.NewConnection{
		EphemeralPort: 40000,
		FlowKey:       key,
		Origin:        protocol.Origin{Port: 55555, Addr: "198.51.100.23"},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- relaySess.WriteRecord(sent)
	}()

	rec, err := hiddenSess.ReadRecord()
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write record: %v", err)
	}

	nc, ok := rec.(*protocol.NewConnection)
	if !ok {
		t.Fatalf("decoded %T, want *NewConnection", rec)
	}
	if nc.EphemeralPort != sent.EphemeralPort || nc.FlowKey != sent.FlowKey || nc.Origin != sent.Origin {
		t.Errorf("record mismatch: got %+v, want %+v", nc, sent)
	}
}

func TestRecordsEncryptedAfterHandshake(t *testing.T) {
	// Drive the hidden side of the protocol by hand so the raw wire bytes
	// are visible to the test.
	relayConn, rawConn := net.Pipe()
	defer relayConn.Close()
	defer rawConn.Close()

	relayKp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	peerKp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	relaySess := NewSession(relayConn, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- relaySess.HandshakeAccept(relayKp)
	}()

	// Handshake records travel in the clear.
	if _, err := rawConn.Write((&protocol.KeyExchange{PublicKey: peerKp.PublicBytes()}).Encode()); err != nil {
		t.Fatalf("write key exchange: %v", err)
	}
	reply := make([]byte, 1024)
	n, err := rawConn.Read(reply)
	if err != nil {
		t.Fatalf("read key exchange reply: %v", err)
	}
	rec, _, err := protocol.Decode(reply[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	kx, ok := rec.(*protocol.KeyExchange)
	if !ok {
		t.Fatalf("decoded %T, want *KeyExchange", rec)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("relay handshake: %v", err)
	}

	secret, err := peerKp.SharedSecret(kx.PublicKey)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}

	key, err := crypto.NewFlowKey()
	if err != nil {
		t.Fatalf("flow key: %v", err)
	}
	sent := &protocol.NewConnection{
		EphemeralPort: 12345,
		FlowKey:       key,
		Origin:        protocol.Origin{Port: 80, Addr: "203.0.113.5"},
	}
	plaintext := sent.Encode()

	go relaySess.WriteRecord(sent)

	wire := make([]byte, 1024)
	n, err = rawConn.Read(wire)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	wire = wire[:n]

	if bytes.Equal(wire, plaintext) {
		t.Fatal("NewConnection transmitted unencrypted")
	}

	// Decrypting with the paired keystream recovers the exact encoding.
	crypto.NewKeystream(secret).XORKeyStream(wire, wire)
	if !bytes.Equal(wire, plaintext) {
		t.Error("decrypted wire bytes do not match the record encoding")
	}
}

func TestReadRecordAcrossSplitWrites(t *testing.T) {
	relaySess, hiddenSess := handshakePair(t)

	// Reach under the session: encode and encrypt by hand, then deliver the
	// bytes in two fragments with a pause between them.
	relayConn := relaySess.conn

	key, err := crypto.NewFlowKey()
	if err != nil {
		t.Fatalf("flow key: %v", err)
	}
	sent := &protocol.NewConnection{
		EphemeralPort: 2222,
		FlowKey:       key,
		Origin:        protocol.Origin{Port: 9, Addr: "192.0.2.200"},
	}
	data := sent.Encode()
	relaySess.stream.XORKeyStream(data, data)

	go func() {
		relayConn.Write(data[:7])
		time.Sleep(20 * time.Millisecond)
		relayConn.Write(data[7:])
	}()

	rec, err := hiddenSess.ReadRecord()
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	nc, ok := rec.(*protocol.NewConnection)
	if !ok {
		t.Fatalf("decoded %T, want *NewConnection", rec)
	}
	if nc.EphemeralPort != sent.EphemeralPort || nc.FlowKey != sent.FlowKey {
		t.Errorf("record mismatch after split delivery")
	}
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	relayConn, rawConn := net.Pipe()
	defer relayConn.Close()
	defer rawConn.Close()

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	relaySess := NewSession(relayConn, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- relaySess.HandshakeAccept(kp)
	}()

	junk := make([]byte, 100)
	if _, err := rand.Read(junk); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rawConn.Write(junk); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	// If the junk happens to look like a truncated record the reader keeps
	// waiting; closing the conn ends the attempt either way.
	time.Sleep(20 * time.Millisecond)
	rawConn.Close()

	if err := <-errCh; err == nil {
		t.Error("expected handshake to fail on garbage")
	}
}

func TestHandshakeRejectsWrongVariant(t *testing.T) {
	relayConn, rawConn := net.Pipe()
	defer relayConn.Close()
	defer rawConn.Close()

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	relaySess := NewSession(relayConn, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- relaySess.HandshakeAccept(kp)
	}()

	key, err := crypto.NewFlowKey()
	if err != nil {
		t.Fatalf("flow key: %v", err)
	}
	if _, err := rawConn.Write((&protocol.NewConnection{EphemeralPort: 1, FlowKey: key}).Encode()); err != nil {
		t.Fatalf("write record: %v", err)
	}

	err = <-errCh
	if !errors.Is(err, ErrUnexpectedRecord) {
		t.Errorf("err = %v, want ErrUnexpectedRecord", err)
	}
}

func TestReadRecordPeerClose(t *testing.T) {
	relaySess, hiddenSess := handshakePair(t)

	relaySess.Close()

	if _, err := hiddenSess.ReadRecord(); err == nil {
		t.Error("expected error after peer close")
	}
}
