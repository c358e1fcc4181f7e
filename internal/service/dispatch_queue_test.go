package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(cfg DispatchQueueConfig, dispatch Dispatcher[string]) *DispatchQueue[string] {
	return NewDispatchQueue(cfg, dispatch, nil)
}

// TestDispatchQueueProcessesAllEntries verifies that every submitted entry is
// dispatched exactly once and nothing is dropped or duplicated.
func TestDispatchQueueProcessesAllEntries(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 1000,
		TokensPerWindow:   1000000,
	}, func(ctx context.Context, text string) (string, error) {
		mu.Lock()
		seen[text]++
		mu.Unlock()
		return "ok:" + text, nil
	})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := "entry-" + string(rune('a'+i))
			result, err := q.Submit(context.Background(), text)
			errs[i] = err
			if err == nil && result != "ok:"+text {
				t.Errorf("Unexpected result for %s: %s", text, result)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Entry %d failed: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Errorf("Dispatched %d distinct entries, want %d", len(seen), n)
	}
	for text, count := range seen {
		if count != 1 {
			t.Errorf("Entry %s dispatched %d times, want 1", text, count)
		}
	}
}

// TestDispatchQueueRequestCeiling verifies that the request ceiling defers
// entries past the limit until the window resets, without dropping them.
func TestDispatchQueueRequestCeiling(t *testing.T) {
	var dispatched atomic.Int32

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 3,
		Window:            80 * time.Millisecond,
		RetryDelay:        10 * time.Millisecond,
	}, func(ctx context.Context, text string) (string, error) {
		dispatched.Add(1)
		return text, nil
	})

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Submit(context.Background(), "x"); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}()
	}

	// Within the first window only the ceiling's worth may dispatch.
	time.Sleep(40 * time.Millisecond)
	if got := dispatched.Load(); got > 3 {
		t.Errorf("Dispatched %d entries inside the first window, ceiling is 3", got)
	}

	wg.Wait()
	if got := dispatched.Load(); got != n {
		t.Errorf("Dispatched %d entries total, want %d", got, n)
	}
}

// TestDispatchQueueCeilingBlocksUntilReset verifies that with an effectively
// infinite window, entries beyond the ceiling never dispatch.
func TestDispatchQueueCeilingBlocksUntilReset(t *testing.T) {
	var dispatched atomic.Int32

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 2,
		Window:            time.Hour,
		RetryDelay:        5 * time.Millisecond,
	}, func(ctx context.Context, text string) (string, error) {
		dispatched.Add(1)
		return text, nil
	})

	for i := 0; i < 2; i++ {
		if _, err := q.Submit(context.Background(), "x"); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline, got %v", err)
	}
	if got := dispatched.Load(); got != 2 {
		t.Errorf("Dispatched %d entries, ceiling is 2", got)
	}
}

// TestDispatchQueueTokenCeiling verifies the token counter also gates
// dispatches. Each entry below is ~25 estimated tokens.
func TestDispatchQueueTokenCeiling(t *testing.T) {
	var dispatched atomic.Int32

	text := strings.Repeat("a", 100) // 25 estimated tokens

	q := newTestQueue(DispatchQueueConfig{
		TokensPerWindow: 25,
		Window:          time.Hour,
		RetryDelay:      5 * time.Millisecond,
	}, func(ctx context.Context, s string) (string, error) {
		dispatched.Add(1)
		return s, nil
	})

	if _, err := q.Submit(context.Background(), text); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Submit(ctx, text); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline, got %v", err)
	}
	if got := dispatched.Load(); got != 1 {
		t.Errorf("Dispatched %d entries, token ceiling allows 1", got)
	}
}

// TestDispatchQueueFailureIsolation verifies a provider failure rejects only
// the affected entry and the queue keeps going.
func TestDispatchQueueFailureIsolation(t *testing.T) {
	boom := errors.New("provider down")

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 100,
	}, func(ctx context.Context, text string) (string, error) {
		if text == "bad" {
			return "", boom
		}
		return text, nil
	})

	if _, err := q.Submit(context.Background(), "bad"); !errors.Is(err, boom) {
		t.Errorf("Expected provider error, got %v", err)
	}
	result, err := q.Submit(context.Background(), "good")
	if err != nil {
		t.Fatalf("Queue stopped after a failure: %v", err)
	}
	if result != "good" {
		t.Errorf("Unexpected result: %s", result)
	}
}

// TestDispatchQueueFailureDoesNotConsumeBudget verifies failed dispatches do
// not count against the request ceiling.
func TestDispatchQueueFailureDoesNotConsumeBudget(t *testing.T) {
	boom := errors.New("provider down")
	var calls atomic.Int32

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 1,
		Window:            time.Hour,
		RetryDelay:        5 * time.Millisecond,
	}, func(ctx context.Context, text string) (string, error) {
		calls.Add(1)
		if text == "bad" {
			return "", boom
		}
		return text, nil
	})

	if _, err := q.Submit(context.Background(), "bad"); !errors.Is(err, boom) {
		t.Fatalf("Expected provider error, got %v", err)
	}
	// The failed entry left the budget intact, so this succeeds.
	if _, err := q.Submit(context.Background(), "good"); err != nil {
		t.Errorf("Submit after failure hit the ceiling: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Provider called %d times, want 2", got)
	}
}

// TestDispatchQueueCeilingWithConcurrentDispatch verifies the request ceiling
// holds when several dispatches run in flight at once. Budget is reserved at
// admission, so concurrency cannot overrun the window.
func TestDispatchQueueCeilingWithConcurrentDispatch(t *testing.T) {
	var dispatched atomic.Int32

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 3,
		Window:            time.Hour,
		RetryDelay:        5 * time.Millisecond,
		MaxInFlight:       10,
	}, func(ctx context.Context, text string) (string, error) {
		dispatched.Add(1)
		return text, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Submit(ctx, "x"); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := dispatched.Load(); got != 3 {
		t.Errorf("Dispatched %d entries inside one window, ceiling is 3", got)
	}
	if got := succeeded.Load(); got != 3 {
		t.Errorf("%d submissions succeeded, want 3", got)
	}
}

// TestDispatchQueueSkipsCancelledEntries verifies an entry whose caller gave
// up while queued is never dispatched once budget frees up.
func TestDispatchQueueSkipsCancelledEntries(t *testing.T) {
	var mu sync.Mutex
	var dispatched []string

	q := newTestQueue(DispatchQueueConfig{
		RequestsPerWindow: 1,
		Window:            60 * time.Millisecond,
		RetryDelay:        5 * time.Millisecond,
	}, func(ctx context.Context, text string) (string, error) {
		mu.Lock()
		dispatched = append(dispatched, text)
		mu.Unlock()
		return text, nil
	})

	if _, err := q.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	// The second entry queues up behind the exhausted ceiling, then its
	// caller cancels before the window resets.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, "second")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got %v", err)
	}

	// After the window resets the third entry proceeds past the abandoned one.
	if _, err := q.Submit(context.Background(), "third"); err != nil {
		t.Fatalf("Third submit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, text := range dispatched {
		if text == "second" {
			t.Error("Cancelled entry was dispatched")
		}
	}
	if len(dispatched) != 2 {
		t.Errorf("Dispatched %d entries, want 2", len(dispatched))
	}
}

func TestEstimateTokens(t *testing.T) {
	testCases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 100), 25},
		{strings.Repeat("x", 101), 26},
	}
	for _, tc := range testCases {
		if got := estimateTokens(tc.text); got != tc.want {
			t.Errorf("estimateTokens(len %d) = %d, want %d", len(tc.text), got, tc.want)
		}
	}
}
