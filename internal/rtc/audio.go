package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// SampleWriter is the part of a local track the paced writer needs.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes mono PCM16 to Opus and writes one 20ms frame per
// tick to a track, so bursts from the model play back in real time.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        SampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter returns a writer for PCM at sampleRate (8, 12, 16, 24 or 48 kHz).
func NewOpusPacedWriter(track SampleWriter, sampleRate int) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: sampleRate / 50,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers PCM16LE and queues every complete encoded frame.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = append(w.pcmBuf, Samples(pcmBytes)...)

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeLocked(w.pcmBuf[:w.frameSamples], opusBuf)
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[w.frameSamples:]...)
	}
}

// FlushTail pads the remainder to a full frame and appends ~200ms of silence
// so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeLocked(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encodeLocked(silence, opusBuf)
	}
}

func (w *OpusPacedWriter) encodeLocked(frame []int16, buf []byte) {
	if w.enc == nil {
		return
	}
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	w.pushFrame(pkt)
}

// Close stops the pacer. Queued frames are discarded.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

// Reset drops queued audio, for barge-in.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Pending reports queued frames not yet written.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }

// Samples converts PCM16LE bytes to samples. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// Bytes converts samples to PCM16LE.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
