package tapproxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// frame encodes one wire frame.
func frame(id, version uint16, payload []byte) []byte {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{ID: id, Version: version}, payload); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// stream concatenates frames.
func stream(frames ...[]byte) []byte {
	return bytes.Join(frames, nil)
}

// trackedReader counts Close calls.
type trackedReader struct {
	io.Reader
	closes int
}

func (r *trackedReader) Close() error {
	r.closes++
	return nil
}

// failingReader returns err after the wrapped reader is exhausted.
type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func TestNewConn(t *testing.T) {
	src := bytes.NewReader(nil)

	conn, err := NewConn(Client, src, nil)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	if conn.src != src {
		t.Error("src not set correctly")
	}
	if conn.Direction() != Client {
		t.Errorf("Direction() = %v, want Client", conn.Direction())
	}
	if conn.Name() != "Client" {
		t.Errorf("Name() = %q, want Client", conn.Name())
	}
}

func TestNewConn_InvalidSource(t *testing.T) {
	_, err := NewConn(Client, nil, nil)
	if err != ErrInvalidSource {
		t.Errorf("expected ErrInvalidSource, got %v", err)
	}
}

func TestNewConn_WithAllOptions(t *testing.T) {
	streams, err := RC4([]byte("key"), []byte("nonce"))
	if err != nil {
		t.Fatalf("RC4 failed: %v", err)
	}
	conn, err := NewConn(Server, bytes.NewReader(nil), io.Discard,
		BufferSizeOption(16),
		MessageMaxSize(2048),
		NameOption("server.stream"),
		LoggerOption(DiscardLogger()),
		CipherOption(streams),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.opts.bufferSize != 16 {
		t.Errorf("bufferSize = %d, want 16", conn.opts.bufferSize)
	}
	if conn.opts.maxReadLength != 2048 {
		t.Errorf("maxReadLength = %d, want 2048", conn.opts.maxReadLength)
	}
	if conn.Name() != "server.stream" {
		t.Errorf("Name() = %q, want server.stream", conn.Name())
	}
	if conn.readStream == nil || conn.writeStream == nil {
		t.Error("cipher streams not created")
	}
}

func TestConn_ReadMessage(t *testing.T) {
	src := stream(
		frame(10101, 1, []byte{1, 2, 3}),
		frame(10108, 0, nil),
	)
	conn, err := NewConn(Client, bytes.NewReader(src), nil)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	m, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if m.ID() != 10101 || m.Version() != 1 || m.Direction() != Client {
		t.Errorf("message = %v, want Client 10101 v1", m)
	}
	if !bytes.Equal(m.Body(), []byte{1, 2, 3}) {
		t.Errorf("Body() = %v, want [1 2 3]", m.Body())
	}

	m, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if m.ID() != 10108 || m.Length() != 0 {
		t.Errorf("message = %v, want empty 10108", m)
	}

	if _, err = conn.ReadMessage(); err != io.EOF {
		t.Errorf("ReadMessage() error = %v, want io.EOF", err)
	}
}

func TestConn_ReadMessage_TruncatedPayload(t *testing.T) {
	// The last header declares 40 bytes but only 12 remain.
	src := stream(frame(20104, 0, []byte{9}), EncodeHeader(Header{ID: 24101, Length: 40}), make([]byte, 12))
	conn, _ := NewConn(Server, bytes.NewReader(src), nil)

	if _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("first ReadMessage failed: %v", err)
	}

	_, err := conn.ReadMessage()
	if err == io.EOF {
		t.Fatal("truncated frame reported as clean end of stream")
	}
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FramingError", err)
	}
	if fe.Declared != 40 || fe.Available != 12 || fe.Direction != Server {
		t.Errorf("FramingError = %+v, want Server declared 40 available 12", fe)
	}
	if !errors.Is(err, ErrTruncated) {
		t.Error("errors.Is(err, ErrTruncated) = false")
	}
}

func TestConn_ReadMessage_TruncatedHeader(t *testing.T) {
	conn, _ := NewConn(Client, bytes.NewReader([]byte{0x27, 0x15, 0x00}), nil)

	_, err := conn.ReadMessage()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FramingError", err)
	}
	if fe.Declared != HeaderSize || fe.Available != 3 {
		t.Errorf("FramingError = %+v, want declared %d available 3", fe, HeaderSize)
	}
}

func TestConn_ReadMessage_TooLarge(t *testing.T) {
	conn, _ := NewConn(Client, bytes.NewReader(frame(1, 0, make([]byte, 10))), nil, MessageMaxSize(8))

	_, err := conn.ReadMessage()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("error = %v, want ErrMessageTooLarge", err)
	}
}

func TestConn_ReadMessage_SourceError(t *testing.T) {
	diskErr := errors.New("disk on fire")
	src := &failingReader{r: bytes.NewReader(frame(1, 0, []byte{1})), err: diskErr}
	conn, _ := NewConn(Client, src, nil, LoggerOption(DiscardLogger()))

	if _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("first ReadMessage failed: %v", err)
	}

	_, err := conn.ReadMessage()
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("error = %v, want *IOError", err)
	}
	if ioErr.Op != "read" || !errors.Is(err, diskErr) {
		t.Errorf("IOError = %v, want read wrapping %v", ioErr, diskErr)
	}
}

func TestConn_WriteMessage(t *testing.T) {
	var sink bytes.Buffer
	conn, _ := NewConn(Server, bytes.NewReader(nil), &sink)

	m := NewMessage(Client, 14715, 2, []byte("hello"))
	if err := conn.WriteMessage(m); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if want := frame(14715, 2, []byte("hello")); !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("sink = %x, want %x", sink.Bytes(), want)
	}
}

func TestConn_WriteMessage_NilSink(t *testing.T) {
	conn, _ := NewConn(Server, bytes.NewReader(nil), nil)

	if err := conn.WriteMessage(NewMessage(Client, 1, 0, []byte{1})); err != nil {
		t.Errorf("WriteMessage with nil sink = %v, want nil", err)
	}
}

func TestConn_WriteMessage_SinkError(t *testing.T) {
	full := errors.New("no space left")
	conn, _ := NewConn(Server, bytes.NewReader(nil), failingWriter{err: full}, LoggerOption(DiscardLogger()))

	err := conn.WriteMessage(NewMessage(Client, 1, 0, nil))
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write" {
		t.Fatalf("error = %v, want write *IOError", err)
	}
	if !errors.Is(err, full) {
		t.Errorf("errors.Is(err, %v) = false", full)
	}
}

func TestConn_Cipher(t *testing.T) {
	key, nonce := []byte("fhsd6f86f67rt8fw78fw789we78r9789wer6re"), []byte("nonce")
	plain := [][]byte{[]byte("first payload"), []byte("second payload")}
	streams, err := RC4(key, nonce)
	if err != nil {
		t.Fatalf("RC4 failed: %v", err)
	}

	// A server-side sink carries client messages.
	var wire bytes.Buffer
	writer, _ := NewConn(Server, bytes.NewReader(nil), &wire, CipherOption(streams))
	for i, p := range plain {
		if err := writer.WriteMessage(NewMessage(Client, uint16(10000+i), 0, p)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}
	if bytes.Contains(wire.Bytes(), plain[0]) {
		t.Error("payload written in clear text")
	}

	reader, _ := NewConn(Client, bytes.NewReader(wire.Bytes()), nil, CipherOption(streams))
	for i, want := range plain {
		m, err := reader.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if m.ID() != uint16(10000+i) {
			t.Errorf("ID() = %d, want %d", m.ID(), 10000+i)
		}
		if !bytes.Equal(m.Body(), want) {
			t.Errorf("Body() = %q, want %q", m.Body(), want)
		}
	}
}

func TestRC4_KeySize(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		nonce   []byte
		wantErr bool
	}{
		{name: "empty", wantErr: true},
		{name: "nonce only", nonce: []byte("nonce")},
		{name: "max", key: bytes.Repeat([]byte("k"), 251), nonce: []byte("nonce")},
		{name: "too long", key: bytes.Repeat([]byte("k"), 300), nonce: []byte("nonce"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streams, err := RC4(tt.key, tt.nonce)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RC4() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if _, err := NewConn(Client, bytes.NewReader(nil), nil, CipherOption(streams)); err != nil {
				t.Errorf("NewConn failed: %v", err)
			}
		})
	}
}

func TestConn_close(t *testing.T) {
	src := &trackedReader{Reader: bytes.NewReader(frame(1, 0, nil))}
	conn, _ := NewConn(Client, src, nil)

	if conn.IsClosed() {
		t.Error("IsClosed() = true before Close")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if src.closes != 1 {
		t.Errorf("source closed %d times, want 1", src.closes)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	_, err := conn.ReadMessage()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("ReadMessage after Close = %v, want ErrConnectionClosed", err)
	}
	err = conn.WriteMessage(NewMessage(Server, 1, 0, nil))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("WriteMessage after Close = %v, want ErrConnectionClosed", err)
	}
}

func TestConn_Socket(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	// The accepted socket is both source and sink.
	conn, err := NewConn(Client, serverConn, serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if _, err := clientConn.Write(frame(10108, 0, nil)); err != nil {
		t.Fatalf("write to socket: %v", err)
	}
	m, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if m.ID() != 10108 {
		t.Errorf("ID() = %d, want 10108", m.ID())
	}

	if err := conn.WriteMessage(NewMessage(Server, 20108, 0, nil)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, _, err := ReadFrame(clientConn, MaxPayloadLength)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if h.ID != 20108 {
		t.Errorf("forwarded id = %d, want 20108", h.ID)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close() = %v, want nil for a shared socket", err)
	}
}

func TestOpenFileConn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.stream")
	if err := os.WriteFile(path, frame(10101, 0, nil), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, err := OpenFileConn(Client, path, nil)
	if err != nil {
		t.Fatalf("OpenFileConn failed: %v", err)
	}
	defer conn.Close()
	if m, err := conn.ReadMessage(); err != nil || m.ID() != 10101 {
		t.Errorf("ReadMessage() = %v, %v, want 10101", m, err)
	}

	if _, err := OpenFileConn(Server, filepath.Join(dir, "missing.stream"), nil); err == nil {
		t.Error("OpenFileConn on a missing file succeeded")
	}
}
