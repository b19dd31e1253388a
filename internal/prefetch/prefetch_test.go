package prefetch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmallek/sqlgate/internal/prefetch"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func defaultConfig() prefetch.Config {
	return prefetch.Config{
		LocalLimit:     2,
		StormThreshold: 4,
		Cooldown:       200 * time.Millisecond,
		CacheSize:      8,
		TaskTimeout:    time.Second,
	}
}

func waitDrained(t *testing.T, c *prefetch.Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller did not drain")
}

func TestScheduleAndLookup(t *testing.T) {
	c := prefetch.New(prefetch.NewShared(4), defaultConfig(), testLogger())

	done := make(chan struct{})
	accepted, reason := c.Schedule("page-2", func(ctx context.Context) (*prefetch.Result, error) {
		defer close(done)
		return &prefetch.Result{Rows: []map[string]any{{"id": int64(3)}}, Bytes: 10}, nil
	})
	if !accepted || reason != prefetch.ReasonAccepted {
		t.Fatalf("Schedule = %v, %q; want accepted", accepted, reason)
	}
	<-done
	waitDrained(t, c)

	result, ok := c.Lookup("page-2")
	if !ok {
		t.Fatal("warmed page should be served")
	}
	if len(result.Rows) != 1 || result.Rows[0]["id"] != int64(3) {
		t.Fatalf("unexpected warmed rows: %+v", result.Rows)
	}
	// The entry is consumed on first lookup.
	if _, ok := c.Lookup("page-2"); ok {
		t.Fatal("warmed page must be consumed by the first lookup")
	}
}

func TestDuplicateTaskRejected(t *testing.T) {
	c := prefetch.New(prefetch.NewShared(4), defaultConfig(), testLogger())

	release := make(chan struct{})
	c.Schedule("page-2", func(ctx context.Context) (*prefetch.Result, error) {
		<-release
		return &prefetch.Result{}, nil
	})
	accepted, reason := c.Schedule("page-2", func(ctx context.Context) (*prefetch.Result, error) {
		return &prefetch.Result{}, nil
	})
	close(release)
	if accepted || reason != prefetch.ReasonDuplicate {
		t.Fatalf("duplicate Schedule = %v, %q; want rejected as duplicate", accepted, reason)
	}
}

func TestInstanceCeiling(t *testing.T) {
	cfg := defaultConfig()
	cfg.LocalLimit = 1
	c := prefetch.New(prefetch.NewShared(4), cfg, testLogger())

	release := make(chan struct{})
	c.Schedule("a", func(ctx context.Context) (*prefetch.Result, error) {
		<-release
		return &prefetch.Result{}, nil
	})
	accepted, reason := c.Schedule("b", func(ctx context.Context) (*prefetch.Result, error) {
		return &prefetch.Result{}, nil
	})
	close(release)
	if accepted || reason != prefetch.ReasonInstanceLimit {
		t.Fatalf("Schedule over the instance ceiling = %v, %q", accepted, reason)
	}
}

func TestGlobalCeilingAcrossInstances(t *testing.T) {
	shared := prefetch.NewShared(2)
	cfg := defaultConfig()
	cfg.LocalLimit = 4
	a := prefetch.New(shared, cfg, testLogger())
	b := prefetch.New(shared, cfg, testLogger())

	var running atomic.Int64
	var peak atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*prefetch.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &prefetch.Result{}, nil
	}

	for i, c := range []*prefetch.Controller{a, b, a, b} {
		accepted, reason := c.Schedule(string(rune('k'+i)), fetch)
		if !accepted {
			t.Fatalf("task %d rejected: %s", i, reason)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrent fetches = %d, global ceiling is 2", got)
	}
	close(release)
	waitDrained(t, a)
	waitDrained(t, b)
}

func TestStormControl(t *testing.T) {
	shared := prefetch.NewShared(1)
	cfg := defaultConfig()
	cfg.LocalLimit = 8
	cfg.StormThreshold = 2
	c := prefetch.New(shared, cfg, testLogger())

	release := make(chan struct{})
	blocker := func(ctx context.Context) (*prefetch.Result, error) {
		<-release
		return &prefetch.Result{}, nil
	}
	// One task holds the global slot; the next two queue behind it.
	for _, key := range []string{"a", "b", "c"} {
		if accepted, reason := c.Schedule(key, blocker); !accepted {
			t.Fatalf("task %s rejected: %s", key, reason)
		}
	}
	deadline := time.Now().Add(time.Second)
	for i := 0; ; i++ {
		key := fmt.Sprintf("probe-%d", i)
		accepted, reason := c.Schedule(key, blocker)
		if !accepted {
			if reason != prefetch.ReasonStormControl {
				t.Fatalf("rejection reason = %q, want storm_control", reason)
			}
			break
		}
		// The queued tasks had not reached the global ceiling yet; this
		// probe joins the queue and helps trip the threshold.
		if time.Now().After(deadline) {
			t.Fatal("storm control never engaged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	waitDrained(t, c)
}

func TestFailureNotCachedAndCooldown(t *testing.T) {
	c := prefetch.New(prefetch.NewShared(4), defaultConfig(), testLogger())

	done := make(chan struct{})
	c.Schedule("broken", func(ctx context.Context) (*prefetch.Result, error) {
		defer close(done)
		return nil, errors.New("backend went away")
	})
	<-done
	waitDrained(t, c)

	if _, ok := c.Lookup("broken"); ok {
		t.Fatal("a failed fetch must never be cached")
	}
	deadline := time.Now().Add(time.Second)
	for {
		accepted, reason := c.Schedule("probe", func(ctx context.Context) (*prefetch.Result, error) {
			return &prefetch.Result{}, nil
		})
		if !accepted {
			if reason != prefetch.ReasonCooldown {
				t.Fatalf("rejection reason = %q, want cooldown_active", reason)
			}
			break
		}
		// The failure had not landed yet; the probe was admitted.
		waitDrained(t, c)
		if time.Now().After(deadline) {
			t.Fatal("cooldown never engaged")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)
	accepted, _ := c.Schedule("next", func(ctx context.Context) (*prefetch.Result, error) {
		return &prefetch.Result{}, nil
	})
	if !accepted {
		t.Fatal("cooldown should have lapsed")
	}
	waitDrained(t, c)
}

func TestInvalidateDropsCache(t *testing.T) {
	c := prefetch.New(prefetch.NewShared(4), defaultConfig(), testLogger())
	done := make(chan struct{})
	c.Schedule("page", func(ctx context.Context) (*prefetch.Result, error) {
		defer close(done)
		return &prefetch.Result{}, nil
	})
	<-done
	waitDrained(t, c)

	c.Invalidate()
	if _, ok := c.Lookup("page"); ok {
		t.Fatal("Invalidate should drop every warmed page")
	}
}

func TestCacheEviction(t *testing.T) {
	cfg := defaultConfig()
	cfg.CacheSize = 2
	cfg.LocalLimit = 1
	c := prefetch.New(prefetch.NewShared(4), cfg, testLogger())

	for _, key := range []string{"p1", "p2", "p3"} {
		done := make(chan struct{})
		c.Schedule(key, func(ctx context.Context) (*prefetch.Result, error) {
			defer close(done)
			return &prefetch.Result{}, nil
		})
		<-done
		waitDrained(t, c)
	}
	if _, ok := c.Lookup("p1"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Lookup("p3"); !ok {
		t.Fatal("newest entry should still be cached")
	}
}
