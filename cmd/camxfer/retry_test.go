// retry_test.go - Tests for the session retry loop.

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer/download"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/realtime"
)

func testLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)
	return l, &buf
}

// script returns an attempt function failing with errs in turn and
// succeeding afterwards.
func script(errs ...error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= len(errs) {
			return errs[calls-1]
		}
		return nil
	}, &calls
}

func TestRetry_UntilSuccess(t *testing.T) {
	logger, _ := testLogger()
	attempt, calls := script(
		&ptpip.ConnectError{Msg: "camera not reachable"},
		&ptpip.OpError{Op: ptpip.OpGetPartialObject, Code: ptpip.RespCommunicationError},
		realtime.ErrReenter,
	)
	var retries int
	cfg := RetryConfig{Retries: -1, Delay: time.Millisecond, Logger: logger,
		OnRetry: func(error, time.Duration) { retries++ }}
	if err := Retry(context.Background(), cfg, attempt); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if *calls != 4 || retries != 3 {
		t.Fatalf("calls = %d, retries = %d", *calls, retries)
	}
}

func TestRetry_Permanent(t *testing.T) {
	logger, _ := testLogger()
	tests := []struct {
		name string
		err  error
	}{
		{"rejected", &ptpip.OpError{Op: ptpip.OpGetObjectInfo, Code: ptpip.RespInvalidObjectHandle}},
		{"local io", download.ErrLocalIO},
		{"other", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt, calls := script(tt.err, tt.err)
			err := Retry(context.Background(), RetryConfig{Retries: -1, Delay: time.Millisecond, Logger: logger}, attempt)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Retry = %v, want %v", err, tt.err)
			}
			if *calls != 1 {
				t.Fatalf("calls = %d, want 1", *calls)
			}
		})
	}
}

func TestRetry_Exhausted(t *testing.T) {
	logger, _ := testLogger()
	connErr := &ptpip.ConnectError{Msg: "camera not reachable"}
	attempt, calls := script(connErr, connErr, connErr, connErr)
	err := Retry(context.Background(), RetryConfig{Retries: 2, Delay: time.Millisecond, Logger: logger}, attempt)
	if ptpip.KindOf(err) != ptpip.KindConnect {
		t.Fatalf("Retry = %v, want connect error", err)
	}
	if *calls != 3 {
		t.Fatalf("calls = %d, want 3", *calls)
	}
}

func TestRetry_Cancelled(t *testing.T) {
	logger, _ := testLogger()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempt := func(context.Context) error {
		calls++
		cancel()
		return &ptpip.ConnectError{Msg: "camera not reachable"}
	}
	err := Retry(ctx, RetryConfig{Retries: -1, Delay: time.Hour, Logger: logger}, attempt)
	if exitCode(err) != exitInterrupted {
		t.Fatalf("Retry = %v (exit %d), want interrupted", err, exitCode(err))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_ConnectLogDedupe(t *testing.T) {
	logger, buf := testLogger()
	off := &ptpip.ConnectError{Msg: "camera not reachable"}
	busy := &ptpip.ConnectError{Msg: "camera busy"}
	attempt, _ := script(off, off, off, busy)
	if err := Retry(context.Background(), RetryConfig{Retries: -1, Delay: time.Millisecond, Logger: logger}, attempt); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	out := buf.String()
	if n := strings.Count(out, "camera not reachable"); n != 1 {
		t.Fatalf("repeated connect error logged %d times:\n%s", n, out)
	}
	if !strings.Contains(out, "camera busy") {
		t.Fatalf("new connect error not logged:\n%s", out)
	}

	logger.SetLevel(logrus.DebugLevel)
	buf.Reset()
	attempt, _ = script(off, off)
	if err := Retry(context.Background(), RetryConfig{Retries: -1, Delay: time.Millisecond, Logger: logger}, attempt); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if n := strings.Count(buf.String(), "camera not reachable"); n != 2 {
		t.Fatalf("debug logging deduplicated connect errors: %d", n)
	}
}
