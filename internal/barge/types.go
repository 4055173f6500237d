// Package barge detects a user talking over the remote voice. Mic audio is
// cut into 10ms frames and three cues vote on each: residual voice activity,
// mic/reference overlap, and growth of the live user transcript. When enough
// votes land inside the fusion window while the remote voice is playing, the
// host is told to stop playback.
package barge

import "time"

// Frame10ms is 10ms of mono PCM at Config.SampleRate.
type Frame10ms []int16

// Config holds detector thresholds.
type Config struct {
	ResidualVadMs   int     // 120-180
	ASRTokens       int     // new non-echo words needed for the transcript cue
	VADThreshold    float64 // RMS floor for a speech frame
	OverlapRMS      float64 // RMS floor for the overlap cue
	FuseWinMs       int     // 150-180
	HysteresisOffMs int     // 200
	PreRollMs       int     // mic audio handed to OnTrigger
	SampleRate      int     // mic and internal rate
	ReferenceRate   int     // remote audio rate; resampled to SampleRate when different
}

// Cues reports which detectors voted in the triggering frame.
type Cues struct{ VAD, ASR, Overlap bool }

// Events lets the host react to a barge-in.
type Events struct {
	// OnTrigger fires once per barge-in. preRoll holds the last PreRollMs of
	// mic audio as PCM16LE at SampleRate.
	OnTrigger func(ts time.Time, cues Cues, preRoll []byte)
}

// Default suits a browser headset feeding 24kHz audio in both directions.
func Default() Config {
	return Config{
		ResidualVadMs:   120,
		ASRTokens:       3,
		VADThreshold:    300,
		OverlapRMS:      500,
		FuseWinMs:       150,
		HysteresisOffMs: 200,
		PreRollMs:       220,
		SampleRate:      24000,
		ReferenceRate:   24000,
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.ReferenceRate <= 0 {
		c.ReferenceRate = c.SampleRate
	}
	if c.ASRTokens <= 0 {
		c.ASRTokens = d.ASRTokens
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = d.VADThreshold
	}
	if c.OverlapRMS <= 0 {
		c.OverlapRMS = d.OverlapRMS
	}
	if c.FuseWinMs <= 0 {
		c.FuseWinMs = d.FuseWinMs
	}
	if c.HysteresisOffMs <= 0 {
		c.HysteresisOffMs = d.HysteresisOffMs
	}
	if c.PreRollMs <= 0 {
		c.PreRollMs = d.PreRollMs
	}
	return c
}
