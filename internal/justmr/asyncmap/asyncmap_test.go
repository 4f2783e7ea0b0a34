package asyncmap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// inlineScheduler runs continuations on their own goroutine immediately -
// enough to exercise Request's fan-in/fan-out logic in tests without
// pulling in the task package (which depends on nothing here, but keeping
// this package's tests self-contained avoids a cross-package test cycle).
type inlineScheduler struct{ wg sync.WaitGroup }

func (s *inlineScheduler) Go(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *inlineScheduler) Wait() { s.wg.Wait() }

func TestGetComputesOnce(t *testing.T) {
	var calls int32
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return len(k), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, diag := m.Get(context.Background(), "hello", nil)
			if diag != nil || v != 5 {
				t.Errorf("got %v, %v", v, diag)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("compute called %d times, want 1", n)
	}
}

func TestGetCachesFatalFailure(t *testing.T) {
	var calls int32
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		atomic.AddInt32(&calls, 1)
		return 0, errctx.Fatalf("nope")
	})

	_, d1 := m.Get(context.Background(), "x", nil)
	_, d2 := m.Get(context.Background(), "x", nil)
	if d1 == nil || d2 == nil {
		t.Fatalf("expected failures")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("compute called %d times, want 1", n)
	}
}

func TestGetRetriesNonFatalFailure(t *testing.T) {
	var calls int32
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return 0, errctx.Warnf("try again")
		}
		return 42, nil
	})

	_, d1 := m.Get(context.Background(), "x", nil)
	if d1 == nil || d1.Fatal {
		t.Fatalf("expected non-fatal failure, got %v", d1)
	}
	v, d2 := m.Get(context.Background(), "x", nil)
	if d2 != nil || v != 42 {
		t.Fatalf("got %v, %v", v, d2)
	}
}

func TestGetCycleDetection(t *testing.T) {
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		t.Fatalf("compute should not run for a cyclic key")
		return 0, nil
	})
	ancestors := pathutil.NewSet("a", "b")
	_, diag := m.Get(context.Background(), "a", ancestors)
	if diag == nil || !diag.Fatal {
		t.Fatalf("expected fatal cycle diagnostic, got %v", diag)
	}
}

func TestRequestAllReady(t *testing.T) {
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		return len(k), nil
	})
	sched := &inlineScheduler{}

	var gotValues []int
	var gotErr string
	done := make(chan struct{})
	m.Request(sched, context.Background(), []string{"a", "bb", "ccc"}, nil,
		func(vs []int) { gotValues = vs; close(done) },
		func(msg string, fatal bool) { gotErr = msg; close(done) },
	)
	<-done
	sched.Wait()

	if gotErr != "" {
		t.Fatalf("unexpected error: %s", gotErr)
	}
	want := []int{1, 2, 3}
	if fmt.Sprint(gotValues) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", gotValues, want)
	}
}

func TestRequestAggregatesFailure(t *testing.T) {
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		if k == "bad" {
			return 0, errctx.Fatalf("bad key")
		}
		return 1, nil
	})
	sched := &inlineScheduler{}

	var gotErr string
	var gotFatal bool
	done := make(chan struct{})
	m.Request(sched, context.Background(), []string{"ok", "bad"}, nil,
		func(vs []int) { t.Fatalf("expected failure, got %v", vs) },
		func(msg string, fatal bool) { gotErr = msg; gotFatal = fatal; close(done) },
	)
	<-done
	sched.Wait()

	if gotErr == "" || !gotFatal {
		t.Fatalf("got %q fatal=%v", gotErr, gotFatal)
	}
}

func TestRequestEmptyKeys(t *testing.T) {
	m := New[string, int]("test", func(k string) string { return k }, func(ctx context.Context, k string) (int, *errctx.Diagnostic) {
		return 0, nil
	})
	sched := &inlineScheduler{}
	done := make(chan struct{})
	m.Request(sched, context.Background(), nil, nil, func(vs []int) {
		if len(vs) != 0 {
			t.Fatalf("got %v", vs)
		}
		close(done)
	}, func(string, bool) { t.Fatalf("unexpected error") })
	<-done
	sched.Wait()
}
