package barge

import (
	"strings"
	"sync"
	"time"
)

// Engine fuses the barge-in cues. It is safe for concurrent use; OnTrigger is
// called from the goroutine feeding mic audio, after the lock is released.
type Engine struct {
	cfg Config
	ev  Events

	mu       sync.Mutex
	speaking bool
	closed   bool
	micTail  []int16

	vad      *vad
	micWin   frames
	refWin   frames
	preRoll  *ring
	votesOn  *votes
	votesOff *votes
	echo     *echoFilter

	partial    string
	seenTokens int
	now        func() time.Time
}

// NewEngine returns an engine with cfg's zero fields filled from Default.
func NewEngine(cfg Config, ev Events) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		ev:       ev,
		vad:      newVAD(cfg.VADThreshold, max(cfg.ResidualVadMs/30, 1)),
		micWin:   frames{n: 16},
		refWin:   frames{n: 16},
		preRoll:  newRing(300, cfg.SampleRate),
		votesOn:  newVotes(cfg.FuseWinMs),
		votesOff: newVotes(cfg.HysteresisOffMs),
		echo:     newEchoFilter(4096),
		now:      time.Now,
	}
}

// SetSpeaking marks whether the remote voice is playing. Detection only runs
// while it is.
func (e *Engine) SetSpeaking(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speaking == on {
		return
	}
	e.speaking = on
	e.votesOn.reset()
	e.votesOff.reset()
	if !on {
		e.refWin.reset()
		e.echo.reset()
	}
}

// Speaking reports the value last set by SetSpeaking.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// FeedMic takes PCM16LE mic audio of any length at Config.SampleRate.
func (e *Engine) FeedMic(pcm []byte) {
	var fired *Cues
	var pre []byte

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	per := e.cfg.SampleRate / 100
	samples := append(e.micTail, decode(pcm)...)
	off := 0
	for ; off+per <= len(samples); off += per {
		f := make(Frame10ms, per)
		copy(f, samples[off:off+per])
		if c, ok := e.onMicFrameLocked(f); ok && fired == nil {
			fired = &c
			pre = encode(e.preRoll.last(e.cfg.PreRollMs))
		}
	}
	e.micTail = append(e.micTail[:0:0], samples[off:]...)
	onTrigger := e.ev.OnTrigger
	e.mu.Unlock()

	if fired != nil && onTrigger != nil {
		onTrigger(e.now(), *fired, pre)
	}
}

// FeedReference takes the remote voice as PCM16LE at Config.ReferenceRate.
func (e *Engine) FeedReference(pcm []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.speaking {
		return
	}
	ref := resample(decode(pcm), e.cfg.ReferenceRate, e.cfg.SampleRate)
	per := e.cfg.SampleRate / 100
	for off := 0; off+per <= len(ref); off += per {
		e.refWin.push(Frame10ms(ref[off : off+per]))
	}
}

// NotifyPartial supplies the running user transcript.
func (e *Engine) NotifyPartial(text string) {
	e.mu.Lock()
	e.partial = text
	e.mu.Unlock()
}

// NotifyRemoteText records words the remote voice is saying.
func (e *Engine) NotifyRemoteText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range strings.Fields(strings.ToLower(text)) {
		e.echo.add(w)
	}
}

// Reset clears windows, pre-roll and transcript tracking.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.votesOn.reset()
	e.votesOff.reset()
	e.micWin.reset()
	e.refWin.reset()
	e.vad.reset()
	e.preRoll.clear()
	e.micTail = nil
	e.partial = ""
	e.seenTokens = 0
}

// Close stops detection for good.
func (e *Engine) Close() {
	e.Reset()
	e.mu.Lock()
	e.closed = true
	e.speaking = false
	e.ev = Events{}
	e.mu.Unlock()
}

func (e *Engine) onMicFrameLocked(f Frame10ms) (Cues, bool) {
	e.preRoll.write(f)
	e.micWin.push(f)

	c := Cues{
		VAD:     e.vad.speech(f),
		Overlap: e.overlapLocked(),
		ASR:     e.transcriptGrewLocked(),
	}
	if !e.speaking {
		return c, false
	}
	vote := 0
	for _, yes := range []bool{c.VAD, c.Overlap, c.ASR} {
		if yes {
			vote++
		}
	}
	e.votesOn.push(vote >= 2)
	e.votesOff.push(vote == 0)
	if e.votesOn.ratio() >= 2.0/3.0 {
		e.speaking = false
		e.votesOn.reset()
		e.votesOff.reset()
		return c, true
	}
	if e.votesOff.ratio() >= 2.0/3.0 {
		e.votesOn.reset()
	}
	return c, false
}

// overlapLocked reports mic energy that stays high while the reference plays.
// Without any reference the cue falls back to mic energy alone.
func (e *Engine) overlapLocked() bool {
	mic := rms(e.micWin.list...)
	if len(e.refWin.list) == 0 {
		return mic > e.cfg.OverlapRMS
	}
	return mic > e.cfg.OverlapRMS && mic > rms(e.refWin.list...)/2
}

func (e *Engine) transcriptGrewLocked() bool {
	tokens := strings.Fields(strings.ToLower(e.partial))
	if len(tokens) < e.seenTokens {
		e.seenTokens = 0
	}
	fresh := 0
	for _, w := range tokens[e.seenTokens:] {
		if isStopword(w) || e.echo.contains(w) {
			continue
		}
		fresh++
	}
	e.seenTokens = len(tokens)
	return fresh >= e.cfg.ASRTokens
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}
