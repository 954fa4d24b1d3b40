package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCallErrorMetaFromDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := annotateCallError(ctx, "calendar.list_events", context.DeadlineExceeded)
	meta := callErrorMeta(err)
	if meta == nil {
		t.Fatalf("expected metadata for annotated timeout")
	}
	if meta["phase"] != "calendar.list_events" || meta["kind"] != "timeout" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if _, ok := meta["deadline"]; !ok {
		t.Fatalf("expected deadline in metadata: %+v", meta)
	}
}

func TestCallErrorMetaNilForGenericError(t *testing.T) {
	if meta := callErrorMeta(context.Canceled); meta != nil {
		t.Fatalf("did not expect metadata for unannotated error: %+v", meta)
	}
	if err := annotateCallError(context.Background(), "x", errors.New("plain")); callErrorMeta(err) != nil {
		t.Fatalf("non-context errors must pass through unannotated")
	}
}

func TestAnnotateCallErrorIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first := annotateCallError(ctx, "calendar.save_event", context.DeadlineExceeded)
	second := annotateCallError(ctx, "calendar.outer", first)
	if callErrorMeta(second)["phase"] != "calendar.save_event" {
		t.Fatalf("expected innermost phase to be kept, got %+v", callErrorMeta(second))
	}
}

func TestCallContextErrorMessageContainsPhase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := annotateCallError(ctx, "calendar.save_event", context.DeadlineExceeded)
	if !strings.Contains(err.Error(), "calendar.save_event timed out") {
		t.Fatalf("expected phase-aware message, got: %q", err.Error())
	}
}

func TestTimedRecordsPhase(t *testing.T) {
	ctx := context.WithValue(context.Background(), timingContextKey{}, &timingRecorder{calls: map[string]time.Duration{}})
	v, err := timed(ctx, "calendar.list_sources", func(context.Context) (int, error) { return 3, nil })
	if err != nil || v != 3 {
		t.Fatalf("timed returned %d, %v", v, err)
	}
	if _, ok := callTimings(ctx)["calendar.list_sources"]; !ok {
		t.Fatalf("expected timing entry, got %+v", callTimings(ctx))
	}
}

func TestTimedStopsAtDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	err := timedErr(ctx, "calendar.remove_event", func(context.Context) error {
		<-block
		return nil
	})
	if meta := callErrorMeta(err); meta == nil || meta["kind"] != "timeout" {
		t.Fatalf("expected timeout annotation, got %v", err)
	}
}
