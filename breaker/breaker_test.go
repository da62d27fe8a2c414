package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pictrace/pictrace/fault"
)

var errProvider = errors.New("provider down")

func failing(context.Context) (string, error) { return "", errProvider }
func succeeding(context.Context) (string, error) { return "ok", nil }

func testBreaker(opts ...Option) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	all := append([]Option{WithClock(func() time.Time { return now })}, opts...)
	b := New("serp", all...)
	return b, &now
}

func TestOpensOnThresholdExactly(t *testing.T) {
	b, _ := testBreaker(WithThreshold(3))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		Execute(ctx, b, failing)
		if b.State() != StateClosed {
			t.Fatalf("after %d failures: state %s, want closed", i, b.State())
		}
	}
	Execute(ctx, b, failing)
	if b.State() != StateOpen {
		t.Fatalf("after 3rd failure: state %s, want open", b.State())
	}

	// The 4th call is rejected without invoking the function.
	called := false
	_, err := Execute(ctx, b, func(context.Context) (string, error) {
		called = true
		return "", nil
	})
	var co *fault.CircuitOpen
	if !errors.As(err, &co) {
		t.Fatalf("got %v, want CircuitOpen", err)
	}
	if called {
		t.Fatal("wrapped function invoked while open")
	}
	if co.Service != "serp" {
		t.Fatalf("service: got %q", co.Service)
	}
}

func TestSuccessResetsClosedWindow(t *testing.T) {
	b, _ := testBreaker(WithThreshold(3))
	ctx := context.Background()

	Execute(ctx, b, failing)
	Execute(ctx, b, failing)
	Execute(ctx, b, succeeding) // breaks the consecutive run
	Execute(ctx, b, failing)
	Execute(ctx, b, failing)
	if b.State() != StateClosed {
		t.Fatalf("state %s, want closed (window was reset)", b.State())
	}
	Execute(ctx, b, failing)
	if b.State() != StateOpen {
		t.Fatalf("state %s, want open", b.State())
	}
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := testBreaker(WithThreshold(1), WithResetTimeout(30*time.Second))
	ctx := context.Background()

	Execute(ctx, b, failing)
	if b.State() != StateOpen {
		t.Fatal("should be open")
	}

	*now = now.Add(29 * time.Second)
	if b.State() != StateOpen {
		t.Fatal("reset timeout has not elapsed yet")
	}

	*now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state %s, want half-open", b.State())
	}
}

func TestHalfOpenReopensOnFirstFailure(t *testing.T) {
	b, now := testBreaker(WithThreshold(1), WithResetTimeout(30*time.Second))
	ctx := context.Background()

	Execute(ctx, b, failing)
	*now = now.Add(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatal("should be half-open")
	}

	Execute(ctx, b, failing)
	if b.State() != StateOpen {
		t.Fatalf("state %s, want open after half-open failure", b.State())
	}
}

func TestHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	b, now := testBreaker(WithThreshold(1), WithResetTimeout(time.Second), WithHalfOpenMax(3))
	ctx := context.Background()

	Execute(ctx, b, failing)
	*now = now.Add(2 * time.Second)

	for i := 1; i <= 2; i++ {
		Execute(ctx, b, succeeding)
		if b.State() != StateHalfOpen {
			t.Fatalf("after %d successes: state %s, want half-open", i, b.State())
		}
	}
	Execute(ctx, b, succeeding)
	if b.State() != StateClosed {
		t.Fatalf("after 3 successes: state %s, want closed", b.State())
	}
}

func TestHalfOpenConcurrencyCap(t *testing.T) {
	b, now := testBreaker(WithThreshold(1), WithResetTimeout(time.Second), WithHalfOpenMax(2))
	ctx := context.Background()

	Execute(ctx, b, failing)
	*now = now.Add(2 * time.Second)

	// Occupy both trial slots with calls that have not settled.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go Execute(ctx, b, func(context.Context) (string, error) {
			started <- struct{}{}
			<-release
			return "ok", nil
		})
	}
	<-started
	<-started

	_, err := Execute(ctx, b, succeeding)
	var co *fault.CircuitOpen
	if !errors.As(err, &co) {
		t.Fatalf("third concurrent trial call: got %v, want CircuitOpen", err)
	}
	close(release)
}

func TestRetryAfterEstimate(t *testing.T) {
	b, now := testBreaker(WithThreshold(1), WithResetTimeout(30*time.Second))
	ctx := context.Background()

	Execute(ctx, b, failing)
	*now = now.Add(10 * time.Second)

	_, err := Execute(ctx, b, succeeding)
	var co *fault.CircuitOpen
	if !errors.As(err, &co) {
		t.Fatalf("got %v", err)
	}
	if co.RetryAfter != 20*time.Second {
		t.Fatalf("retry after: got %s, want 20s", co.RetryAfter)
	}
}

func TestCumulativeCountersSurviveTransitions(t *testing.T) {
	b, now := testBreaker(WithThreshold(2), WithResetTimeout(time.Second), WithHalfOpenMax(1))
	ctx := context.Background()

	Execute(ctx, b, failing)
	Execute(ctx, b, failing) // opens
	*now = now.Add(2 * time.Second)
	Execute(ctx, b, succeeding) // half-open success closes

	s := b.Stats()
	if s.State != "closed" {
		t.Fatalf("state: %s", s.State)
	}
	if s.TotalCalls != 3 || s.TotalFailures != 2 {
		t.Fatalf("cumulative: calls=%d failures=%d, want 3/2", s.TotalCalls, s.TotalFailures)
	}
	if s.Failures != 0 || s.Successes != 0 {
		t.Fatalf("window counters should reset on close: %+v", s)
	}
}

func TestRejectedCallsDoNotCountAsCalls(t *testing.T) {
	b, _ := testBreaker(WithThreshold(1))
	ctx := context.Background()

	Execute(ctx, b, failing)
	Execute(ctx, b, succeeding) // rejected, breaker open
	s := b.Stats()
	if s.TotalCalls != 1 {
		t.Fatalf("total calls: got %d, want 1 (rejections never reach the provider)", s.TotalCalls)
	}
}

func TestReset(t *testing.T) {
	b, _ := testBreaker(WithThreshold(1))
	Execute(context.Background(), b, failing)
	if b.State() != StateOpen {
		t.Fatal("should be open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatal("Reset should close the breaker")
	}
	if b.Stats().TotalFailures != 1 {
		t.Fatal("Reset must not clear cumulative counters")
	}
}

func TestClientErrorsNeverTrip(t *testing.T) {
	b, _ := testBreaker(WithThreshold(2))
	notFound := func(context.Context) (string, error) {
		return "", &fault.ProviderClient{StatusCode: 404}
	}
	for i := 0; i < 10; i++ {
		Execute(context.Background(), b, notFound)
	}
	if b.State() != StateClosed {
		t.Fatalf("state: %v, 4xx responses mean the provider is healthy", b.State())
	}
	if b.Stats().TotalFailures != 0 {
		t.Fatalf("total failures: %d", b.Stats().TotalFailures)
	}
}
