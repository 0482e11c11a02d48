package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/tapproxy"
	"github.com/Zereker/tapproxy/internal/config"
	"github.com/Zereker/tapproxy/logic"
)

func writeCapture(t *testing.T, path string, msgs ...tapproxy.Message) {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, tapproxy.WriteFrame(&buf, m.Header(), m.Body()))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newWorkingDir(t *testing.T) (*config.Config, *tapproxy.Codec) {
	t.Helper()
	reg, err := tapproxy.DefaultRegistry()
	require.NoError(t, err)
	codec := tapproxy.NewCodec(reg)

	home, err := codec.EncodeMessage(tapproxy.Server, 24101, 0, tapproxy.Struct{
		{Name: "homeId", Value: int64(7)},
		{Name: "homeJson", Value: tapproxy.NewZipString(`{"buildings":[{"data":1000000,"lvl":1},{"data":1000000,"lvl":0},{"data":1000001,"lvl":2}]}`)},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	writeCapture(t, filepath.Join(dir, config.ClientStream),
		tapproxy.NewMessage(tapproxy.Client, 14715, 0, []byte{0, 0, 0, 2, 'h', 'i'}),
	)
	writeCapture(t, filepath.Join(dir, config.ServerStream), home)

	cfg := &config.Config{WorkingDir: dir, Nonce: "nonce"}
	require.NoError(t, cfg.Validate())
	return cfg, codec
}

func TestRun(t *testing.T) {
	cfg, _ := newWorkingDir(t)
	cfg.Taps = []config.TapSpec{{Message: "SendGlobalChatLine", Field: "message"}, {Message: "24101", Field: "homeId"}}
	cfg.Metrics = filepath.Join(cfg.WorkingDir, "metrics.prom")

	var out, logs bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out, zerolog.New(&logs)))

	// The two directions are pumped concurrently.
	assert.Contains(t, out.String(), "SendGlobalChatLine:message \"hi\"\n")
	assert.Contains(t, out.String(), "OwnHomeData:homeId 7\n")

	client, err := os.ReadFile(cfg.Path(config.ClientDump))
	require.NoError(t, err)
	assert.Equal(t, "\"SendGlobalChatLine\": {\n  \"message\": \"hi\"\n}\n", string(client))

	server, err := os.ReadFile(cfg.Path(config.ServerDump))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(server), "\"OwnHomeData\": {"), string(server))

	metrics, err := os.ReadFile(cfg.Metrics)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `tapproxy_session_messages_total{direction="Client",outcome="forwarded"} 1`)

	assert.Contains(t, logs.String(), `"SendGlobalChatLine":1`)
}

func TestRunHexOnly(t *testing.T) {
	cfg, _ := newWorkingDir(t)
	cfg.JSON = false
	cfg.Hex = true

	require.NoError(t, run(context.Background(), cfg, io.Discard, zerolog.Nop()))

	client, err := os.ReadFile(cfg.Path(config.ClientDump))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(client), "Client 14715 v0 (6 bytes)\n00000000  00 00 00 02 68 69"), string(client))
}

func TestRunUnknownTap(t *testing.T) {
	cfg, _ := newWorkingDir(t)
	cfg.Taps = []config.TapSpec{{Message: "NoSuchMessage"}}

	err := run(context.Background(), cfg, io.Discard, zerolog.Nop())
	assert.ErrorContains(t, err, "NoSuchMessage")
}

func TestRunCipher(t *testing.T) {
	cfg, _ := newWorkingDir(t)
	cfg.Key = "secret"

	// Encrypt the capture the way the client would have sent it.
	plain := tapproxy.NewMessage(tapproxy.Client, 14715, 0, []byte{0, 0, 0, 2, 'h', 'i'})
	streams, err := tapproxy.RC4([]byte(cfg.Key), []byte(cfg.Nonce))
	require.NoError(t, err)
	enc := streams(tapproxy.Client)
	body := plain.Body()
	enc.XORKeyStream(body, body)
	writeCapture(t, cfg.Path(config.ClientStream), plain.WithPayload(body))

	require.NoError(t, run(context.Background(), cfg, io.Discard, zerolog.Nop()))

	client, err := os.ReadFile(cfg.Path(config.ClientDump))
	require.NoError(t, err)
	assert.Contains(t, string(client), `"message": "hi"`)
}

func TestCountObjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "buildings.csv"),
		[]byte("Name,Hitpoints\nString,int\nWall,300\nTown Hall,1500\n"), 0o644))
	game, err := logic.Load(dir, nil)
	require.NoError(t, err)

	counts, err := countObjects(game, `{"buildings":[{"data":1000000},{"data":1000000},{"data":1000001}],"traps":[{"data":12000000}]}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"buildings:Wall": 2, "buildings:Town Hall": 1, "unknown": 1}, counts)

	_, err = countObjects(game, "not json")
	assert.Error(t, err)
}

func TestHomeLayouts(t *testing.T) {
	cfg, codec := newWorkingDir(t)

	f, err := os.Open(cfg.Path(config.ServerStream))
	require.NoError(t, err)
	defer f.Close()
	conn, err := tapproxy.NewConn(tapproxy.Server, f, nil)
	require.NoError(t, err)
	m, err := conn.ReadMessage()
	require.NoError(t, err)

	d, registered := codec.Decode(m)
	require.True(t, registered)
	layouts := homeLayouts([]tapproxy.Record{{Message: m, Decoded: d, Registered: true}})
	require.Len(t, layouts, 1)
	assert.Contains(t, layouts[0], `"buildings"`)
}
