package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errRefused = errors.New("connection refused")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

func newBreaker(t *testing.T, cfg CircuitBreakerConfig) (*CircuitBreaker, *clock, *[]transition) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	var seen []transition
	cfg.Name = "stt-a"
	cfg.Now = clk.Now
	cfg.Logger = slog.New(slog.DiscardHandler)
	cfg.OnStateChange = func(name string, from, to State) {
		if name != "stt-a" {
			t.Errorf("callback name = %q", name)
		}
		seen = append(seen, transition{from, to})
	}
	return NewCircuitBreaker(cfg), clk, &seen
}

func fail() error    { return errRefused }
func succeed() error { return nil }

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.Probes != 2 {
		t.Errorf("defaults = %d/%v/%d", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.Probes)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v", cb.State())
	}
}

func TestCircuitBreaker_Trips(t *testing.T) {
	tests := []struct {
		name  string
		calls []func() error
		want  State
	}{
		{"below threshold", []func() error{fail, fail}, StateClosed},
		{"at threshold", []func() error{fail, fail, fail}, StateOpen},
		{"success breaks the streak", []func() error{fail, fail, succeed, fail, fail}, StateClosed},
		{"cancellation does not count", []func() error{
			fail, fail, func() error { return context.Canceled }, fail,
		}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _, _ := newBreaker(t, CircuitBreakerConfig{MaxFailures: 3})
			for _, fn := range tt.calls {
				_ = cb.Execute(fn)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	cb, _, _ := newBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	_ = cb.Execute(fail)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while open")
	}
	if c := cb.Counts(); c.Rejected != 1 || c.Trips != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	tests := []struct {
		name   string
		probes []func() error
		want   State
		trips  uint64
	}{
		{"enough good probes close", []func() error{succeed, succeed}, StateClosed, 1},
		{"one good probe stays half-open", []func() error{succeed}, StateHalfOpen, 1},
		{"failed probe reopens", []func() error{succeed, fail}, StateOpen, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk, _ := newBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, Probes: 2})
			_ = cb.Execute(fail)

			clk.Advance(59 * time.Second)
			if cb.State() != StateOpen {
				t.Fatalf("state before cooldown = %v", cb.State())
			}
			clk.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after cooldown = %v", cb.State())
			}

			for _, fn := range tt.probes {
				_ = cb.Execute(fn)
			}
			if c := cb.Counts(); c.State != tt.want || c.Trips != tt.trips {
				t.Errorf("counts = %+v, want state %v trips %d", c, tt.want, tt.trips)
			}
		})
	}
}

func TestCircuitBreaker_OneProbeAtATime(t *testing.T) {
	cb, clk, _ := newBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	done, err := cb.Allow()
	if err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if _, err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe err = %v, want ErrCircuitOpen", err)
	}
	done(nil)
	done(errRefused) // reported twice; only the first counts
	if cb.State() != StateHalfOpen {
		t.Errorf("state = %v, want half-open", cb.State())
	}
	if _, err := cb.Allow(); err != nil {
		t.Errorf("next probe after report: %v", err)
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	errBadRequest := errors.New("bad request")
	cb, _, _ := newBreaker(t, CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errBadRequest) },
	})
	if err := cb.Execute(func() error { return errBadRequest }); !errors.Is(err, errBadRequest) {
		t.Errorf("err = %v, want it passed through", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb, clk, seen := newBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, Probes: 1})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	cb.Reset()

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
		{StateClosed, StateOpen},
		{StateOpen, StateClosed},
	}
	if len(*seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
