package duplex

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"
)

// selfSigned returns a server config and a client config trusting it.
func selfSigned(t testing.TB) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(now.UnixNano()),
		Subject:               pkix.Name{CommonName: "duplex test"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
	return server, client
}

// waitReady blocks until the transport signals readiness.
func waitReady(t *testing.T, st *StreamTransport) {
	t.Helper()
	select {
	case <-st.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for readiness")
	}
}

// readAll drains st until want bytes arrived.
func readAll(t *testing.T, st *StreamTransport, want int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for len(out) < want {
		n, err := st.TryRead(buf)
		switch err {
		case nil:
			out = append(out, buf[:n]...)
		case ErrWouldBlock:
			waitReady(t, st)
		default:
			t.Fatalf("TryRead after %d bytes: %v", len(out), err)
		}
	}
	return out
}

func TestStreamTransport_ReadWrite(t *testing.T) {
	a, b := net.Pipe()
	st := NewStreamTransport(a)
	defer st.Close()

	if _, err := st.TryRead(make([]byte, 8)); err != ErrWouldBlock {
		t.Fatalf("TryRead on idle stream = %v, want ErrWouldBlock", err)
	}

	go func() { _, _ = b.Write([]byte("inbound")) }()
	if got := readAll(t, st, 7); string(got) != "inbound" {
		t.Errorf("TryRead = %q", got)
	}

	n, err := st.TryWrite([]byte("outbound"))
	if err != nil || n != 8 {
		t.Fatalf("TryWrite = %d, %v", n, err)
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(b, buf); err != nil || string(buf) != "outbound" {
		t.Errorf("peer read %q, %v", buf, err)
	}
	if st.Conn() != a {
		t.Error("Conn does not return the wrapped conn")
	}
}

func TestStreamTransport_WouldBlockWhenFull(t *testing.T) {
	a, b := net.Pipe()
	st := NewStreamTransport(a, StreamBufferOption(8))
	defer st.Close()

	accepted := 0
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("write buffer never filled")
		}
		n, err := st.TryWrite(pattern(16, 0))
		if err == ErrWouldBlock {
			break
		}
		if err != nil {
			t.Fatalf("TryWrite failed: %v", err)
		}
		if n > 8 {
			t.Fatalf("TryWrite accepted %d bytes with an 8 byte buffer", n)
		}
		accepted += n
		time.Sleep(time.Millisecond)
	}

	// drain the peer, space frees up again
	got := make([]byte, accepted)
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("write buffer never drained")
		}
		if _, err := st.TryWrite([]byte{1}); err == nil {
			break
		}
		waitReady(t, st)
	}
}

func TestStreamTransport_PeerClosedAfterData(t *testing.T) {
	a, b := net.Pipe()
	st := NewStreamTransport(a)
	defer st.Close()

	go func() {
		_, _ = b.Write([]byte("bye"))
		_ = b.Close()
	}()

	if got := readAll(t, st, 3); string(got) != "bye" {
		t.Fatalf("TryRead = %q", got)
	}
	for {
		_, err := st.TryRead(make([]byte, 4))
		if err == ErrClosed {
			break
		}
		if err != ErrWouldBlock {
			t.Fatalf("TryRead = %v, want ErrClosed", err)
		}
		waitReady(t, st)
	}

	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("write to closed peer never failed")
		}
		_, err := st.TryWrite([]byte("x"))
		if err == ErrClosed {
			break
		}
		if err != nil && err != ErrWouldBlock {
			t.Fatalf("TryWrite = %v, want ErrClosed", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamTransport_CloseFlushes(t *testing.T) {
	a, b := net.Pipe()
	st := NewStreamTransport(a)

	if _, err := st.TryWrite([]byte("last words")); err != nil {
		t.Fatalf("TryWrite failed: %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- st.Close() }()

	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("peer got %q", got)
	}
	if err := <-closed; err != nil {
		t.Errorf("Close = %v", err)
	}
	if _, err := st.TryWrite([]byte("x")); err != ErrClosed {
		t.Errorf("TryWrite after Close = %v, want ErrClosed", err)
	}
}

func TestStreamTransport_CloseLinger(t *testing.T) {
	a, _ := net.Pipe()
	st := NewStreamTransport(a, StreamLingerOption(20*time.Millisecond))
	_, _ = st.TryWrite([]byte("nobody reads this"))

	done := make(chan struct{})
	go func() {
		_ = st.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked past the linger duration")
	}
}

func TestStreamTransport_TLS(t *testing.T) {
	serverCfg, clientCfg := selfSigned(t)
	a, b := net.Pipe()

	server := NewStreamTransport(tls.Server(a, serverCfg))
	client := NewStreamTransport(tls.Client(b, clientCfg))
	defer server.Close()
	defer client.Close()

	// the handshake runs implicitly on first I/O of the pumps
	payload := pattern(50000, 8)
	go func() {
		for off := 0; off < len(payload); {
			n, err := client.TryWrite(payload[off:])
			if err == ErrWouldBlock {
				<-client.Ready()
				continue
			}
			if err != nil {
				return
			}
			off += n
		}
	}()

	got := readAll(t, server, len(payload))
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch over TLS")
	}
}

func TestPeerGone(t *testing.T) {
	for _, err := range []error{io.EOF, io.ErrClosedPipe, net.ErrClosed} {
		if !peerGone(err) {
			t.Errorf("peerGone(%v) = false", err)
		}
	}
	if peerGone(io.ErrUnexpectedEOF) {
		t.Error("peerGone(ErrUnexpectedEOF) = true")
	}
}
