package logx_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Zereker/tapproxy"
	"github.com/Zereker/tapproxy/internal/logx"
)

func TestConfigureLogLevel(t *testing.T) {
	logx.Configure("all")
	if zerolog.GlobalLevel() != zerolog.TraceLevel {
		t.Fatalf("expected trace level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("WARNING")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("none")
	if zerolog.GlobalLevel() != zerolog.Disabled {
		t.Fatalf("expected disabled level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestAdapter(t *testing.T) {
	logx.Configure("debug")
	defer logx.Configure("info")

	var buf bytes.Buffer
	a := logx.NewAdapter(zerolog.New(&buf))

	a.Warn("decode failed", "direction", tapproxy.Server, "id", 24101, "error", errors.New("short payload"))

	out := buf.String()
	for _, want := range []string{
		`"level":"warn"`,
		`"direction":"Server"`,
		`"id":24101`,
		`"error":"short payload"`,
		`"message":"decode failed"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}
