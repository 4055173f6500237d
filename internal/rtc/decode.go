package rtc

import (
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// RTPReader is the part of a remote track ReadOpus needs.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// maxFrameMs is the longest Opus frame (120ms).
const maxFrameMs = 120

// ReadOpus decodes an Opus track at sampleRate and calls sink with PCM16LE per
// packet until the track ends. Undecodable packets are skipped.
func ReadOpus(track RTPReader, sampleRate int, sink func(pcm []byte)) error {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return err
	}
	pcm := make([]int16, sampleRate*maxFrameMs/1000)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return err
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil || n == 0 {
			continue
		}
		sink(Bytes(pcm[:n]))
	}
}
