package logger

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func captureOutput(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := GetLevel()
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel(prev)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, WARN)

	Info("dev BLE", "hidden %d", 1)
	Warn("dev BLE", "shown %d", 2)
	Error("", "bare")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO line written at WARN level: %q", out)
	}
	if !strings.Contains(out, "[dev BLE WARN ] shown 2") {
		t.Errorf("missing warn line, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] bare") {
		t.Errorf("missing unprefixed error line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		" DEBUG ": DEBUG,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrefix(t *testing.T) {
	if got := Prefix("0123456789abcdef", "Wire"); got != "01234567 Wire" {
		t.Errorf("Prefix = %q, want %q", got, "01234567 Wire")
	}
	if got := Short("dev"); got != "dev" {
		t.Errorf("Short = %q, want %q", got, "dev")
	}
}

func TestToJSONProto(t *testing.T) {
	s, err := structpb.NewStruct(map[string]interface{}{"state": "Running"})
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	out := ToJSON(s)
	if !strings.Contains(out, `"state"`) || !strings.Contains(out, `"Running"`) {
		t.Errorf("ToJSON(struct) = %s", out)
	}

	buf := captureOutput(t, DEBUG)
	DebugJSON("dev BLE", "snapshot", map[string]int{"subscribers": 2})
	if !strings.Contains(buf.String(), `"subscribers": 2`) {
		t.Errorf("DebugJSON output = %q", buf.String())
	}
}
