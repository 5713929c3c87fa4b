package mentions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/logger"
)

func newTestEngine() *Engine {
	return NewEngine(logger.Discard())
}

func msg(threadID, sender, body string, seq uint64) domain.ThreadMessage {
	return domain.ThreadMessage{
		ID:       body,
		ThreadID: threadID,
		Sender:   sender,
		Body:     body,
		Seq:      seq,
		SentAt:   time.Now(),
	}
}

func TestWaitReturnsBacklogImmediately(t *testing.T) {
	e := newTestEngine()
	e.Notify("summarizer", msg("thr_1", "orchestrator", "first", 1))

	start := time.Now()
	got, err := e.Wait(context.Background(), "summarizer", time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("backlog delivery should be immediate")
	}
	if len(got) != 1 || got[0].Body != "first" {
		t.Fatalf("got %v", got)
	}
}

// Two mentions with no intervening wait are returned together, in arrival
// order, by exactly one Wait call.
func TestWaitDrainsFullBacklogInOrder(t *testing.T) {
	e := newTestEngine()
	e.Notify("summarizer", msg("thr_1", "orchestrator", "first", 1))
	e.Notify("summarizer", msg("thr_1", "orchestrator", "second", 2))

	got, err := e.Wait(context.Background(), "summarizer", time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(got) != 2 || got[0].Body != "first" || got[1].Body != "second" {
		t.Fatalf("expected ordered pair, got %v", got)
	}
	if e.Pending("summarizer") != 0 {
		t.Error("queue not drained")
	}
}

func TestWaitWakesOnNotify(t *testing.T) {
	e := newTestEngine()

	done := make(chan []domain.ThreadMessage, 1)
	go func() {
		got, err := e.Wait(context.Background(), "risk", 5*time.Second)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter register
	e.Notify("risk", msg("thr_1", "orchestrator", "check this", 1))

	select {
	case got := <-done:
		if len(got) != 1 || got[0].Body != "check this" {
			t.Fatalf("got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitTimeoutNotEarly(t *testing.T) {
	e := newTestEngine()

	start := time.Now()
	_, err := e.Wait(context.Background(), "summarizer", 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("returned after %v, before the 100ms timeout", elapsed)
	}
}

func TestWaitContextCancelReleasesRegistration(t *testing.T) {
	e := newTestEngine()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Wait(ctx, "summarizer", time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}

	// The cancelled waiter must not swallow the next mention.
	e.Notify("summarizer", msg("thr_1", "orchestrator", "after cancel", 1))
	got, err := e.Wait(context.Background(), "summarizer", time.Second)
	if err != nil || len(got) != 1 {
		t.Fatalf("mention lost to cancelled waiter: %v %v", got, err)
	}
}

// Concurrent waiters are served first-come-first-served: the earliest
// registered waiter gets the next batch, the second waiter the one after.
func TestConcurrentWaitersFIFO(t *testing.T) {
	e := newTestEngine()

	firstGot := make(chan []domain.ThreadMessage, 1)
	go func() {
		got, err := e.Wait(context.Background(), "summarizer", 5*time.Second)
		if err != nil {
			t.Errorf("first Wait: %v", err)
		}
		firstGot <- got
	}()
	time.Sleep(20 * time.Millisecond)

	secondGot := make(chan []domain.ThreadMessage, 1)
	go func() {
		got, err := e.Wait(context.Background(), "summarizer", 5*time.Second)
		if err != nil {
			t.Errorf("second Wait: %v", err)
		}
		secondGot <- got
	}()
	time.Sleep(20 * time.Millisecond)

	e.Notify("summarizer", msg("thr_1", "orchestrator", "one", 1))

	select {
	case got := <-firstGot:
		if len(got) != 1 || got[0].Body != "one" {
			t.Fatalf("first waiter got %v", got)
		}
	case <-secondGot:
		t.Fatal("second waiter served before the first")
	case <-time.After(time.Second):
		t.Fatal("no waiter served")
	}

	e.Notify("summarizer", msg("thr_1", "orchestrator", "two", 2))
	select {
	case got := <-secondGot:
		if len(got) != 1 || got[0].Body != "two" {
			t.Fatalf("second waiter got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second waiter never served")
	}
}

// A backlog that arrives while waiters are queued belongs to the earliest
// waiter; a Wait issued later queues behind it rather than stealing.
func TestLateWaitQueuesBehindEarlierWaiter(t *testing.T) {
	e := newTestEngine()

	firstGot := make(chan []domain.ThreadMessage, 1)
	go func() {
		got, _ := e.Wait(context.Background(), "summarizer", 5*time.Second)
		firstGot <- got
	}()
	time.Sleep(20 * time.Millisecond)

	e.Notify("summarizer", msg("thr_1", "orchestrator", "for-first", 1))

	got := <-firstGot
	if len(got) != 1 || got[0].Body != "for-first" {
		t.Fatalf("first waiter got %v", got)
	}
}

func TestDropWakesWaiters(t *testing.T) {
	e := newTestEngine()

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Wait(context.Background(), "summarizer", time.Minute)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	e.Drop("summarizer")

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dropped waiter did not return")
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	e := newTestEngine()
	e.Close()
	e.Notify("summarizer", msg("thr_1", "orchestrator", "late", 1))

	_, err := e.Wait(context.Background(), "summarizer", 10*time.Millisecond)
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestMentionOrderAcrossThreads(t *testing.T) {
	e := newTestEngine()
	e.Notify("voice", msg("thr_1", "orchestrator", "a", 1))
	e.Notify("voice", msg("thr_2", "orchestrator", "b", 1))
	e.Notify("voice", msg("thr_1", "orchestrator", "c", 2))

	got, err := e.Wait(context.Background(), "voice", time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("got %d messages", len(got))
	}
	for i, w := range want {
		if got[i].Body != w {
			t.Errorf("position %d: got %q, want %q", i, got[i].Body, w)
		}
	}
}
