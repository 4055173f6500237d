package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the user-direction correlation state.
type Status int

const (
	NoPending Status = iota
	Committed
	Resolved
)

func (s Status) String() string {
	switch s {
	case NoPending:
		return "no_pending"
	case Committed:
		return "committed"
	case Resolved:
		return "resolved"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// DefaultTimeout bounds the wait between commit and transcription result.
const DefaultTimeout = 15 * time.Second

// Options configures a Correlator.
type Options struct {
	// Timeout is the bounded wait per utterance. Zero means DefaultTimeout.
	Timeout time.Duration
	// AfterFunc schedules fn after d and returns a stop function. Callers that
	// serialize event handling wrap fn so expiry runs inside that
	// serialization. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) (stop func() bool)
	// OnResolve receives every finalized utterance, user and assistant.
	OnResolve func(Utterance)
	Now       func() time.Time
	Log       *slog.Logger
}

type entry struct {
	id          string
	itemID      string
	committedAt time.Time
	gen         uint64
	stop        func() bool
}

// Correlator tracks pending user utterances between commit and transcription.
//
// A local Commit is refused while an utterance is pending. Commits the remote
// side makes on its own (server voice detection) are queued behind the
// pending one instead, since they cannot be refused.
type Correlator struct {
	timeout   time.Duration
	afterFunc func(time.Duration, func()) func() bool
	onResolve func(Utterance)
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	queue    []*entry
	gen      uint64
	resolved bool
	remote   map[string]*strings.Builder
}

// NewCorrelator returns a correlator with no pending utterance.
func NewCorrelator(opts Options) *Correlator {
	c := &Correlator{
		timeout:   opts.Timeout,
		afterFunc: opts.AfterFunc,
		onResolve: opts.OnResolve,
		now:       opts.Now,
		log:       opts.Log,
		remote:    make(map[string]*strings.Builder),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop }
	}
	if c.onResolve == nil {
		c.onResolve = func(Utterance) {}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Status reports the state of the oldest pending utterance.
func (c *Correlator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case len(c.queue) > 0:
		return Committed
	case c.resolved:
		return Resolved
	}
	return NoPending
}

// Pending returns the number of utterances awaiting transcription.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Commit opens a pending utterance for audio the caller just committed and
// starts its bounded wait. It returns ErrProtocolViolation, and changes
// nothing, while another utterance is pending.
func (c *Correlator) Commit() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		head := c.queue[0]
		return "", fmt.Errorf("%w: commit while utterance %s is still pending", ErrProtocolViolation, head.id)
	}
	e := c.openLocked("")
	return e.id, nil
}

// Acknowledge binds the server's item id to the pending utterance. An
// acknowledgment with no unbound local commit is a server-side commit and
// opens (or queues) its own utterance.
func (c *Correlator) Acknowledge(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findLocked(itemID) >= 0 {
		return
	}
	for _, e := range c.queue {
		if e.itemID == "" {
			e.itemID = itemID
			return
		}
	}
	c.openLocked(itemID)
	if len(c.queue) > 1 {
		c.log.Debug("queued server commit behind pending utterance", "item", itemID, "pending", len(c.queue)-1)
	}
}

func (c *Correlator) openLocked(itemID string) *entry {
	c.gen++
	e := &entry{id: uuid.NewString(), itemID: itemID, committedAt: c.now(), gen: c.gen}
	id, gen := e.id, e.gen
	e.stop = c.afterFunc(c.timeout, func() { c.expire(id, gen) })
	c.queue = append(c.queue, e)
	c.resolved = false
	return e
}

func (c *Correlator) findLocked(itemID string) int {
	if itemID == "" {
		return -1
	}
	for i, e := range c.queue {
		if e.itemID == itemID {
			return i
		}
	}
	return -1
}

// Complete resolves the utterance for itemID with the transcript carried by
// the completion event. It reports false when no utterance matches.
func (c *Correlator) Complete(itemID, text string) bool {
	return c.resolve(itemID, func(u *Utterance) { u.Text = strings.TrimSpace(text) })
}

// Fail resolves the utterance for itemID with a failure marker.
func (c *Correlator) Fail(itemID string, f *Failure) bool {
	return c.resolve(itemID, func(u *Utterance) { u.Failure = f })
}

func (c *Correlator) resolve(itemID string, fill func(*Utterance)) bool {
	c.mu.Lock()
	i := c.findLocked(itemID)
	if i < 0 {
		c.mu.Unlock()
		c.log.Debug("transcription result for unknown item", "item", itemID)
		return false
	}
	u := c.takeLocked(i)
	c.mu.Unlock()
	fill(&u)
	c.onResolve(u)
	return true
}

// FailPending resolves the oldest pending utterance with f. Used for error
// events that are not tied to an item, such as a 429.
func (c *Correlator) FailPending(f *Failure) bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	u := c.takeLocked(0)
	c.mu.Unlock()
	u.Failure = f
	c.onResolve(u)
	return true
}

// FailAll resolves every pending utterance with reason.
func (c *Correlator) FailAll(reason Reason, msg string) int {
	c.mu.Lock()
	var out []Utterance
	for len(c.queue) > 0 {
		out = append(out, c.takeLocked(0))
	}
	c.mu.Unlock()
	for _, u := range out {
		u.Failure = &Failure{Reason: reason, Message: msg}
		c.onResolve(u)
	}
	return len(out)
}

// Cancel drops every pending utterance without surfacing it.
func (c *Correlator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.queue {
		e.stop()
	}
	c.queue = nil
	c.resolved = false
	c.remote = make(map[string]*strings.Builder)
}

func (c *Correlator) expire(id string, gen uint64) {
	c.mu.Lock()
	i := -1
	for j, e := range c.queue {
		if e.id == id && e.gen == gen {
			i = j
			break
		}
	}
	if i < 0 {
		c.mu.Unlock()
		return
	}
	u := c.takeLocked(i)
	c.mu.Unlock()
	c.log.Warn("transcription timed out", "utterance", id, "item", u.ItemID, "after", c.timeout)
	u.Failure = &Failure{Reason: ReasonNoResponse, Message: fmt.Sprintf("no transcription within %s", c.timeout)}
	c.onResolve(u)
}

func (c *Correlator) takeLocked(i int) Utterance {
	e := c.queue[i]
	e.stop()
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	c.resolved = len(c.queue) == 0
	return Utterance{
		ID:          e.id,
		ItemID:      e.itemID,
		Speaker:     SpeakerUser,
		CommittedAt: e.committedAt,
		ResolvedAt:  c.now(),
	}
}

// RemoteDelta accumulates the model's spoken transcript for itemID.
func (c *Correlator) RemoteDelta(itemID, delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.remote[itemID]
	if !ok {
		b = &strings.Builder{}
		c.remote[itemID] = b
	}
	b.WriteString(delta)
}

// RemoteDone finalizes the model's transcript for itemID. The done event's
// transcript wins over accumulated deltas when present.
func (c *Correlator) RemoteDone(itemID, transcript string) {
	c.mu.Lock()
	if transcript == "" {
		if b, ok := c.remote[itemID]; ok {
			transcript = b.String()
		}
	}
	delete(c.remote, itemID)
	now := c.now()
	c.mu.Unlock()
	c.onResolve(Utterance{
		ID:         uuid.NewString(),
		ItemID:     itemID,
		Speaker:    SpeakerAssistant,
		Text:       strings.TrimSpace(transcript),
		ResolvedAt: now,
	})
}
