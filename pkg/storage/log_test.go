package storage

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetLoggerRoutesDiagnostics(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })

	var out bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})))

	m := newMultiwriteFlash(t)
	store(t, m.Mem, nil, key(t, "a"), []byte("1"))
	if err := RemoveItem(context.Background(), m, testRange, nil, key(t, "a")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.Contains(out.String(), "records removed") {
		t.Fatalf("expected removal to be logged, got %q", out.String())
	}
}

func TestSetLoggerWhileInUse(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })

	f := newTestFlash(t)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			SetLogger(slog.New(slog.DiscardHandler))
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 256)
		for i := 0; i < 100; i++ {
			if _, _, err := FetchItem(context.Background(), f, testRange, nil, buf, []byte{0x61, 'a'}); err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			_ = logger()
		}
	}()
	wg.Wait()

	if logger() == nil {
		t.Fatalf("logger must never be nil")
	}
}
