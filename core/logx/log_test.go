package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureLogLevel(t *testing.T) {
	defer Configure("info", "")
	cases := map[string]zerolog.Level{
		"all":     zerolog.TraceLevel,
		"WARNING": zerolog.WarnLevel,
		"none":    zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		Configure(in, "")
		if zerolog.GlobalLevel() != want {
			t.Fatalf("%s: expected %s, got %s", in, want, zerolog.GlobalLevel())
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "JSON")
	l.Info().Str("id", "1").Msg("hello")
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" || m["id"] != "1" {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "")
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}
