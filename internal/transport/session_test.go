package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   []string
	audio  int
	closed bool
	// failWrites makes that many control writes fail before they succeed again.
	failWrites int
	h          Handlers
}

func (c *fakeChannel) SendControl(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.failWrites > 0 {
		c.failWrites--
		return errors.New("write failed")
	}
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeChannel) failNext(n int) {
	c.mu.Lock()
	c.failWrites = n
	c.mu.Unlock()
}

func (c *fakeChannel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio++
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out channels. Each call consumes one entry of results;
// a nil error yields a channel that opens immediately unless deferOpen is set.
type fakeDialer struct {
	mu        sync.Mutex
	results   []error
	deferOpen bool
	// failWrites is handed to every new channel.
	failWrites int
	channels   []*fakeChannel
	calls      int
}

func (d *fakeDialer) Dial(ctx context.Context, h Handlers) (Channel, error) {
	d.mu.Lock()
	d.calls++
	var err error
	if len(d.results) > 0 {
		err = d.results[0]
		d.results = d.results[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	c := &fakeChannel{h: h, failWrites: d.failWrites}
	d.channels = append(d.channels, c)
	deferOpen := d.deferOpen
	d.mu.Unlock()
	if !deferOpen {
		h.OnOpen()
	}
	return c, nil
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func recordStates(s *Session) (func() []StateChange, func()) {
	var mu sync.Mutex
	var got []StateChange
	remove := s.OnStateChange(func(c StateChange) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	return func() []StateChange {
		mu.Lock()
		defer mu.Unlock()
		return append([]StateChange(nil), got...)
	}, remove
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendControl_BufferedUntilConnectedInOrder(t *testing.T) {
	d := &fakeDialer{deferOpen: true}
	s := New(Options{Dialer: d})

	for _, ev := range []string{`{"n":1}`, `{"n":2}`} {
		if err := s.SendControl([]byte(ev)); err != nil {
			t.Fatalf("send before connect: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	waitFor(t, "dial", func() bool { return d.channel(0) != nil })
	waitFor(t, "negotiating", func() bool { return s.State() == Negotiating })

	if err := s.SendControl([]byte(`{"n":3}`)); err != nil {
		t.Fatalf("send during negotiation: %v", err)
	}
	if len(d.channel(0).Sent()) != 0 {
		t.Fatalf("nothing may be sent before the channel opens")
	}

	d.channel(0).h.OnOpen()
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SendControl([]byte(`{"n":4}`)); err != nil {
		t.Fatalf("send after connect: %v", err)
	}
	got := d.channel(0).Sent()
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if s.State() != Connected {
		t.Fatalf("expected Connected, got %v", s.State())
	}
}

func TestSendControl_FailedFlushIsRetried(t *testing.T) {
	d := &fakeDialer{deferOpen: true, failWrites: 1}
	s := New(Options{Dialer: d})

	for _, ev := range []string{`{"n":1}`, `{"n":2}`} {
		if err := s.SendControl([]byte(ev)); err != nil {
			t.Fatalf("send before connect: %v", err)
		}
	}
	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	waitFor(t, "dial", func() bool { return d.channel(0) != nil })
	ch := d.channel(0)
	ch.h.OnOpen()
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := ch.Sent(); len(got) != 0 {
		t.Fatalf("first flush write failed, nothing should be delivered yet: %v", got)
	}

	if err := s.SendControl([]byte(`{"n":3}`)); err != nil {
		t.Fatalf("send after failed flush: %v", err)
	}
	ch.failNext(1)
	if err := s.SendControl([]byte(`{"n":4}`)); err != nil {
		t.Fatalf("failed write should be kept, got %v", err)
	}
	if err := s.SendControl([]byte(`{"n":5}`)); err != nil {
		t.Fatal(err)
	}

	got := ch.Sent()
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if s.State() != Connected {
		t.Fatalf("expected Connected, got %v", s.State())
	}
}

func TestControlEventActivatesAndDelivers(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{Dialer: d})
	var got []string
	s.OnControlEvent(func(b []byte) { got = append(got, string(b)) })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.channel(0).h.OnControl([]byte(`{"type":"session.created"}`))
	if s.State() != Active || len(got) != 1 {
		t.Fatalf("state=%v got=%v", s.State(), got)
	}
	if err := s.SendLocalAudio([]byte{0, 0}); err != nil || d.channel(0).audio != 1 {
		t.Fatalf("audio not delivered: %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	d := &fakeDialer{results: []error{errors.New("sdp rejected")}}
	s := New(Options{Dialer: d})
	states, _ := recordStates(s)
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation, got %v", err)
	}
	if s.State() != Failed {
		t.Fatalf("expected Failed, got %v", s.State())
	}
	if err := s.SendControl([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after failure: %v", err)
	}
	last := states()[len(states())-1]
	if last.To != Failed || !errors.Is(last.Err, ErrNegotiation) {
		t.Fatalf("unexpected last change %+v", last)
	}
}

func TestDegradedRenegotiatesAndFlushes(t *testing.T) {
	d := &fakeDialer{results: []error{nil, errors.New("blip")}}
	s := New(Options{Dialer: d, Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	states, _ := recordStates(s)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.deferOpen = true
	d.mu.Unlock()

	first := d.channel(0)
	first.h.OnLost(errors.New("ice disconnected"))
	if s.State() != Degraded {
		t.Fatalf("expected Degraded, got %v", s.State())
	}
	if !first.Closed() {
		t.Fatalf("lost channel must be closed")
	}
	if err := s.SendControl([]byte(`{"queued":true}`)); err != nil {
		t.Fatalf("send while degraded: %v", err)
	}

	waitFor(t, "second channel", func() bool { return d.channel(1) != nil })
	// Callbacks from the dead channel are ignored.
	first.h.OnControl([]byte(`{"stale":true}`))
	d.channel(1).h.OnOpen()
	waitFor(t, "reconnected", func() bool { return s.State() == Connected })

	if got := d.channel(1).Sent(); len(got) != 1 || got[0] != `{"queued":true}` {
		t.Fatalf("buffered event not flushed on the new channel: %v", got)
	}
	var sawDegraded bool
	for _, c := range states() {
		if c.To == Degraded {
			sawDegraded = true
		}
	}
	if !sawDegraded || d.Calls() != 3 {
		t.Fatalf("expected degrade and two renegotiation dials, states=%v calls=%d", states(), d.Calls())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	boom := errors.New("unreachable")
	d := &fakeDialer{results: []error{nil, boom, boom, boom}}
	s := New(Options{Dialer: d, Attempts: 3, BaseDelay: time.Millisecond})
	states, _ := recordStates(s)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.channel(0).h.OnLost(errors.New("gone"))
	waitFor(t, "failed", func() bool {
		all := states()
		return len(all) > 0 && all[len(all)-1].To == Failed
	})
	if d.Calls() != 4 {
		t.Fatalf("expected 1 dial plus 3 attempts, got %d", d.Calls())
	}
	all := states()
	last := all[len(all)-1]
	if !errors.Is(last.Err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected ErrRetryBudgetExhausted, got %v", last.Err)
	}
}

func TestClose_FromEveryState(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		s := New(Options{Dialer: &fakeDialer{}})
		if err := s.Close(); err != nil || s.State() != Closed {
			t.Fatalf("err=%v state=%v", err, s.State())
		}
		if err := s.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
	})
	t.Run("negotiating", func(t *testing.T) {
		d := &fakeDialer{deferOpen: true}
		s := New(Options{Dialer: d})
		done := make(chan error, 1)
		go func() { done <- s.Connect(context.Background()) }()
		waitFor(t, "dial", func() bool { return d.channel(0) != nil })
		s.Close()
		<-done
		if s.State() != Closed || !d.channel(0).Closed() {
			t.Fatalf("state=%v channel closed=%v", s.State(), d.channel(0).Closed())
		}
	})
	t.Run("active with listeners", func(t *testing.T) {
		d := &fakeDialer{}
		s := New(Options{Dialer: d})
		s.OnControlEvent(func([]byte) {})
		s.OnRemoteAudio(func([]byte) {})
		if err := s.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		s.Close()
		if !d.channel(0).Closed() || s.controlL.Len() != 0 || s.audioL.Len() != 0 || s.stateL.Len() != 0 {
			t.Fatalf("close leaked channel or listeners")
		}
	})
	t.Run("degraded", func(t *testing.T) {
		d := &fakeDialer{results: []error{nil, errors.New("x"), errors.New("x"), errors.New("x")}}
		s := New(Options{Dialer: d, Attempts: 3, BaseDelay: 50 * time.Millisecond})
		if err := s.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		d.channel(0).h.OnLost(errors.New("gone"))
		s.Close()
		time.Sleep(100 * time.Millisecond)
		if s.State() != Closed {
			t.Fatalf("reconnect loop must stop after close, state=%v", s.State())
		}
	})
}
