package app

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolateEnv points every config and data location at a temp dir and
// returns a fresh database path.
func isolateEnv(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	for _, k := range []string{"CALMGR_BACKEND", "CALMGR_TIMEZONE", "CALMGR_FIELDS", "CALMGR_DB", "CALMGR_DEFAULT_CALENDAR", "CALMGR_OUTPUT", "CALMGR_TIMEOUT", "CALMGR_NO_INPUT", "CALMGR_PROFILE", "CALMGR_CONFIG"} {
		t.Setenv(k, "")
	}
	return filepath.Join(tmp, "calendar.db")
}

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	orig := nowFunc
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = orig })
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

type testEnvelope[T any] struct {
	Command string         `json:"command"`
	Data    T              `json:"data"`
	Meta    map[string]any `json:"meta"`
}

func decodeEnvelope[T any](t *testing.T, raw string) testEnvelope[T] {
	t.Helper()
	var env testEnvelope[T]
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decode envelope: %v\n%s", err, raw)
	}
	return env
}

type testErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
	} `json:"error"`
	Meta map[string]any `json:"meta"`
}

func decodeErrorEnvelope(t *testing.T, raw string) testErrorEnvelope {
	t.Helper()
	var env testErrorEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decode error envelope: %v\n%s", err, raw)
	}
	return env
}
