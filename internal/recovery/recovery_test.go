package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "testGoroutine")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	for _, want := range []string{"panic recovered", "testGoroutine", "test panic", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "normalGoroutine")
	}()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_ReportsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var got error
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithCallback(logger, "eventLoop", func(err error) { got = err })
		panic("boom")
	}()

	wg.Wait()

	if !errors.Is(got, ErrPanic) {
		t.Fatalf("callback error = %v, want ErrPanic", got)
	}
	if !strings.Contains(got.Error(), "eventLoop") || !strings.Contains(got.Error(), "boom") {
		t.Errorf("callback error = %q, want goroutine name and panic value", got)
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	func() {
		defer RecoverWithCallback(logger, "nilCallback", nil)
		panic("ignored")
	}()
}
