package transcript

import (
	"errors"
	"testing"
	"time"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return func() bool {
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireAll runs every live timer as if its deadline had passed.
func (c *fakeClock) fireAll() {
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}

func newTestCorrelator() (*Correlator, *fakeClock, *[]Utterance) {
	clock := &fakeClock{}
	var got []Utterance
	c := NewCorrelator(Options{
		Timeout:   5 * time.Second,
		AfterFunc: clock.AfterFunc,
		OnResolve: func(u Utterance) { got = append(got, u) },
	})
	return c, clock, &got
}

func TestCommitThenSilence_NothingFinalUntilTimeout(t *testing.T) {
	c, clock, got := newTestCorrelator()
	if _, err := c.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	c.Acknowledge("item_1")
	if len(*got) != 0 || c.Status() != Committed {
		t.Fatalf("buffer commit alone must not finalize, got %+v status=%v", *got, c.Status())
	}
	if len(clock.timers) != 1 || clock.timers[0].d != 5*time.Second {
		t.Fatalf("expected one bounded wait, got %+v", clock.timers)
	}

	clock.fireAll()
	if len(*got) != 1 {
		t.Fatalf("expected timeout resolution, got %d", len(*got))
	}
	u := (*got)[0]
	if u.Failure == nil || u.Failure.Reason != ReasonNoResponse || u.Text != "" {
		t.Fatalf("expected no_response failure, got %+v", u)
	}
	if c.Status() != Resolved {
		t.Fatalf("expected Resolved, got %v", c.Status())
	}

	// A late completion for the expired item is ignored.
	if c.Complete("item_1", "too late") {
		t.Fatalf("late completion must not resolve again")
	}
	if len(*got) != 1 {
		t.Fatalf("late completion surfaced an utterance")
	}
}

func TestComplete_SurfacesTextOnlyFromEvent(t *testing.T) {
	c, clock, got := newTestCorrelator()
	id, _ := c.Commit()
	c.Acknowledge("item_1")
	if !c.Complete("item_1", "  it started two weeks ago ") {
		t.Fatalf("expected completion to match")
	}
	if len(*got) != 1 {
		t.Fatalf("expected one utterance")
	}
	u := (*got)[0]
	if u.ID != id || u.Text != "it started two weeks ago" || u.Failed() || u.Speaker != SpeakerUser {
		t.Fatalf("unexpected utterance %+v", u)
	}
	if !clock.timers[0].stopped {
		t.Fatalf("resolution must stop the wait")
	}
	clock.fireAll()
	if len(*got) != 1 {
		t.Fatalf("stopped timer resolved again")
	}
}

func TestDoubleCommit_RejectedFirstUnaffected(t *testing.T) {
	c, _, got := newTestCorrelator()
	first, _ := c.Commit()
	if _, err := c.Commit(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("rejected commit changed the queue")
	}
	c.Acknowledge("item_1")
	c.Complete("item_1", "first answer")
	if len(*got) != 1 || (*got)[0].ID != first || (*got)[0].Text != "first answer" {
		t.Fatalf("first utterance affected: %+v", *got)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatalf("commit after resolution should succeed: %v", err)
	}
}

func TestRateLimited_DistinctFromEmpty(t *testing.T) {
	c, _, got := newTestCorrelator()
	c.Commit()
	c.Acknowledge("item_1")
	c.FailPending(FailureFrom(realtime.ErrorDetail{Code: "rate_limit_exceeded", Message: "slow down", Status: 429}))

	c.Commit()
	c.Acknowledge("item_2")
	c.Complete("item_2", "")

	if len(*got) != 2 {
		t.Fatalf("expected two utterances, got %d", len(*got))
	}
	limited, empty := (*got)[0], (*got)[1]
	if !limited.Failed() || limited.Failure.Reason != ReasonRateLimited || limited.Failure.Status != 429 {
		t.Fatalf("expected rate limited failure, got %+v", limited)
	}
	if limited.Display() == "" || limited.Display() == empty.Display() {
		t.Fatalf("rate limited marker must differ from empty transcript: %q vs %q", limited.Display(), empty.Display())
	}
	if empty.Failed() || empty.Text != "" {
		t.Fatalf("empty transcript should resolve normally, got %+v", empty)
	}
}

func TestTranscriptionFailed_ItemScoped(t *testing.T) {
	c, _, got := newTestCorrelator()
	c.Commit()
	c.Acknowledge("item_1")
	if c.Fail("item_other", &Failure{Reason: ReasonTranscriptionFailed}) {
		t.Fatalf("failure for another item must not resolve")
	}
	c.Fail("item_1", FailureFrom(realtime.ErrorDetail{Code: "audio_unintelligible"}))
	if len(*got) != 1 || (*got)[0].Failure.Reason != ReasonTranscriptionFailed {
		t.Fatalf("unexpected %+v", *got)
	}
}

func TestServerCommitsQueue(t *testing.T) {
	c, _, got := newTestCorrelator()
	c.Acknowledge("a")
	c.Acknowledge("b")
	c.Acknowledge("a")
	if c.Pending() != 2 {
		t.Fatalf("expected two queued server commits, got %d", c.Pending())
	}
	if _, err := c.Commit(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("local commit must wait for queued utterances")
	}
	c.Complete("b", "second")
	c.Complete("a", "first")
	if len(*got) != 2 || (*got)[0].Text != "second" || (*got)[1].Text != "first" {
		t.Fatalf("unexpected %+v", *got)
	}
}

func TestCancelAndFailAll(t *testing.T) {
	c, clock, got := newTestCorrelator()
	c.Commit()
	c.Cancel()
	clock.fireAll()
	if len(*got) != 0 || c.Status() != NoPending {
		t.Fatalf("cancel must release silently, got %+v", *got)
	}

	c.Acknowledge("x")
	c.Acknowledge("y")
	if n := c.FailAll(ReasonConnectionLost, "transport degraded"); n != 2 {
		t.Fatalf("expected 2 failed, got %d", n)
	}
	for _, u := range *got {
		if u.Failure.Reason != ReasonConnectionLost {
			t.Fatalf("unexpected %+v", u)
		}
	}
}

func TestRemoteTranscript(t *testing.T) {
	c, _, got := newTestCorrelator()
	c.RemoteDelta("r1", "It hurts ")
	c.RemoteDelta("r1", "when I climb stairs.")
	if len(*got) != 0 {
		t.Fatalf("deltas must not finalize")
	}
	c.RemoteDone("r1", "")
	if len(*got) != 1 || (*got)[0].Speaker != SpeakerAssistant || (*got)[0].Text != "It hurts when I climb stairs." {
		t.Fatalf("unexpected %+v", *got)
	}
	c.RemoteDone("r2", "Final text.")
	if (*got)[1].Text != "Final text." {
		t.Fatalf("done transcript should win, got %+v", (*got)[1])
	}
}
