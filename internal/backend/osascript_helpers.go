package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cocoa reference date (2001-01-01) as a unix timestamp.
const cocoaEpochOffset = int64(978307200)

func findCalendarDB() (string, error) {
	if p := strings.TrimSpace(os.Getenv("CALMGR_APPLE_DB")); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	candidates := []string{
		filepath.Join(os.Getenv("HOME"), "Library/Group Containers/group.com.apple.calendar/Calendar.sqlitedb"),
		filepath.Join(os.Getenv("HOME"), "Library/Calendars/Calendar.sqlitedb"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("calendar database not found")
}

func calendarSQLiteDSN(path string) string {
	return "file:" + path + "?mode=ro&immutable=1"
}

// calendarLiveDSN is read-only but sees writes made by Calendar.app.
func calendarLiveDSN(path string) string {
	return "file:" + path + "?mode=ro&_pragma=busy_timeout(2000)"
}

var (
	readDBMu    sync.Mutex
	readDBCache = map[string]*sql.DB{}
)

func openCalendarReadDB(path string) (*sql.DB, error) {
	readDBMu.Lock()
	defer readDBMu.Unlock()
	if db, ok := readDBCache[path]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", calendarSQLiteDSN(path))
	if err != nil {
		return nil, err
	}
	readDBCache[path] = db
	return db, nil
}

func osascriptRetryPolicy() (int, time.Duration) {
	retries := 1
	backoff := 250 * time.Millisecond
	if v := strings.TrimSpace(os.Getenv("CALMGR_OSASCRIPT_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			retries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CALMGR_OSASCRIPT_RETRY_BACKOFF")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			backoff = d
		}
	}
	return retries, backoff
}

func isTransientAppleScriptError(msg string) bool {
	s := strings.ToLower(msg)
	return strings.Contains(s, "timed out") ||
		strings.Contains(s, "(-1712)") ||
		strings.Contains(s, "connection is invalid") ||
		strings.Contains(s, "(-609)")
}

var runAppleScript = func(ctx context.Context, lines []string, args ...string) (string, error) {
	cmdArgs := []string{"-s", "s"}
	for _, line := range lines {
		cmdArgs = append(cmdArgs, "-e", line)
	}
	cmdArgs = append(cmdArgs, args...)
	retries, backoff := osascriptRetryPolicy()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		out, err := exec.CommandContext(ctx, "osascript", cmdArgs...).CombinedOutput()
		if err == nil {
			return string(out), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(string(out))
		lastErr = fmt.Errorf("osascript failed: %s", msg)
		if !isTransientAppleScriptError(msg) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func parseEventID(id string) (string, int64) {
	parts := strings.Split(strings.TrimSpace(id), "@")
	if len(parts) < 2 {
		return strings.TrimSpace(id), 0
	}
	occ, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return strings.TrimSpace(id), 0
	}
	return strings.Join(parts[:len(parts)-1], "@"), occ
}

func trimOuterQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		return s[1 : len(s)-1]
	}
	return s
}

func trimIfEdgeSpace(s string) string {
	if s == "" {
		return s
	}
	if s[0] != ' ' && s[0] != '\t' && s[len(s)-1] != ' ' && s[len(s)-1] != '\t' {
		return s
	}
	return strings.TrimSpace(s)
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = trimOuterQuotes(s)
	parts := strings.Split(s, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsFold(items []string, val string) bool {
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(val)) {
			return true
		}
	}
	return false
}

func isAccessDenied(msg string) bool {
	s := strings.ToLower(strings.TrimSpace(msg))
	return strings.Contains(s, "authorization denied") ||
		strings.Contains(s, "not authorized") ||
		strings.Contains(s, "not allowed") ||
		strings.Contains(s, "(-1743)") ||
		strings.Contains(s, "operation not permitted") ||
		strings.Contains(s, "permission denied")
}

func shouldFallbackFromSQLite(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func initialEventCapacity(limit int) int {
	switch {
	case limit <= 0:
		return 64
	case limit > 2048:
		return 2048
	default:
		return limit
	}
}

func boolToScript(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
