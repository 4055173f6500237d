package barge

import (
	"encoding/binary"
	"math"
	"time"
)

func rms(frames ...Frame10ms) float64 {
	var sum float64
	var n int
	for _, f := range frames {
		for _, s := range f {
			x := float64(s)
			sum += x * x
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// vad is an energy detector smoothed by majority over the last frames.
type vad struct {
	threshold float64
	win       []bool
	n         int
}

func newVAD(threshold float64, n int) *vad {
	if n < 1 {
		n = 1
	}
	return &vad{threshold: threshold, n: n}
}

func (v *vad) speech(f Frame10ms) bool {
	if len(f) == 0 {
		return false
	}
	v.win = append(v.win, rms(f) >= v.threshold)
	if len(v.win) > v.n {
		v.win = v.win[len(v.win)-v.n:]
	}
	yes := 0
	for _, b := range v.win {
		if b {
			yes++
		}
	}
	return yes*2 >= len(v.win)
}

func (v *vad) reset() { v.win = v.win[:0] }

// ring keeps the most recent samples.
type ring struct {
	buf []int16
	pos int
	sr  int
}

func newRing(ms, sampleRate int) *ring {
	n := ms * sampleRate / 1000
	if n < sampleRate/10 {
		n = sampleRate / 10
	}
	return &ring{buf: make([]int16, n), sr: sampleRate}
}

func (r *ring) write(f Frame10ms) {
	for _, s := range f {
		r.buf[r.pos] = s
		r.pos = (r.pos + 1) % len(r.buf)
	}
}

func (r *ring) last(ms int) []int16 {
	n := min(ms*r.sr/1000, len(r.buf))
	out := make([]int16, n)
	start := (r.pos - n + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) clear() {
	clear(r.buf)
	r.pos = 0
}

// votes is a sliding window of per-frame decisions spanning a duration.
type votes struct {
	hist []bool
	max  int
}

func newVotes(ms int) *votes {
	return &votes{max: int(time.Duration(ms)*time.Millisecond/(10*time.Millisecond)) + 1}
}

func (v *votes) push(b bool) {
	v.hist = append(v.hist, b)
	if len(v.hist) > v.max {
		v.hist = v.hist[len(v.hist)-v.max:]
	}
}

func (v *votes) ratio() float64 {
	if len(v.hist) == 0 {
		return 0
	}
	yes := 0
	for _, b := range v.hist {
		if b {
			yes++
		}
	}
	return float64(yes) / float64(len(v.hist))
}

func (v *votes) reset() { v.hist = v.hist[:0] }

// frames keeps the latest n frames.
type frames struct {
	list []Frame10ms
	n    int
}

func (w *frames) push(f Frame10ms) {
	w.list = append(w.list, f)
	if len(w.list) > w.n {
		w.list = w.list[len(w.list)-w.n:]
	}
}

func (w *frames) reset() { w.list = w.list[:0] }

// echoFilter remembers words the remote voice is saying so transcript growth
// caused by echo does not count. A one-slot-per-hash bitmap is enough here.
type echoFilter struct{ bits []byte }

func newEchoFilter(n int) *echoFilter { return &echoFilter{bits: make([]byte, n)} }

func (b *echoFilter) slot(s string) int {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int(h % uint32(len(b.bits)))
}

func (b *echoFilter) add(s string)           { b.bits[b.slot(s)] = 1 }
func (b *echoFilter) contains(s string) bool { return b.bits[b.slot(s)] == 1 }
func (b *echoFilter) reset()                 { clear(b.bits) }

func decode(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// resample converts by nearest-sample picking. It is only used for the
// reference path where fidelity does not matter.
func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := len(in) * to / from
	out := make([]int16, n)
	for i := range out {
		out[i] = in[i*from/to]
	}
	return out
}
