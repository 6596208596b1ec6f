// Package vad implements an energy-based voice activity detector.
//
// A [Detector] samples the level of a live audio stream once per analysis
// tick and turns it into two kinds of output: a continuous volume signal
// (0–100) and discrete speech-start / speech-end boundary events.
//
// Boundaries use hysteresis: speech starts only after the level stayed above
// the threshold for SpeechDuration, and ends only after it stayed at or below
// the threshold for SilenceDuration. Any dip below the threshold discards a
// pending start, so short noise spikes never register as speech and short
// pauses inside a sentence never end it.
//
// No model is involved; the level is RMS energy mapped onto the same 0..255
// decibel scale a browser analyser node uses, then normalised to 0–100.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Default parameters.
const (
	DefaultThreshold          = 25
	DefaultSilenceDuration    = 1500 * time.Millisecond
	DefaultSpeechDuration     = 200 * time.Millisecond
	DefaultSampleRate         = 16000
	DefaultAnalysisWindowSize = 2048
	DefaultSmoothing          = 0.8

	// DefaultFrameInterval is the analysis tick period: one display refresh at 60 Hz.
	DefaultFrameInterval = time.Second / 60
)

// Config holds the detector parameters.
type Config struct {
	// Threshold is the normalised level (0–100) above which a tick counts as
	// speech. Ticks at or below it count as silence.
	Threshold float64

	// SilenceDuration is how long the level must stay at or below Threshold
	// before an active speech segment ends.
	SilenceDuration time.Duration

	// SpeechDuration is how long the level must stay above Threshold before
	// speech is confirmed.
	SpeechDuration time.Duration

	// SampleRate of the analysed stream in Hz.
	SampleRate int

	// AnalysisWindowSize is the number of most recent samples the RMS is
	// computed over.
	AnalysisWindowSize int

	// Smoothing in [0, 1) is the weight of the previous level estimate in the
	// exponential smoothing of successive measurements.
	Smoothing float64
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:          DefaultThreshold,
		SilenceDuration:    DefaultSilenceDuration,
		SpeechDuration:     DefaultSpeechDuration,
		SampleRate:         DefaultSampleRate,
		AnalysisWindowSize: DefaultAnalysisWindowSize,
		Smoothing:          DefaultSmoothing,
	}
}

// withDefaults replaces zero fields by their defaults. Smoothing is only
// defaulted when the whole config is zero, since 0 is a valid factor.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c == (Config{}) {
		return d
	}
	if c.Threshold == 0 {
		c.Threshold = d.Threshold
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	if c.SpeechDuration == 0 {
		c.SpeechDuration = d.SpeechDuration
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.AnalysisWindowSize == 0 {
		c.AnalysisWindowSize = d.AnalysisWindowSize
	}
	return c
}

// Validate reports every out-of-range parameter.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 100 {
		errs = append(errs, fmt.Errorf("vad: threshold %v out of range [0, 100]", c.Threshold))
	}
	if c.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: silence duration must not be negative"))
	}
	if c.SpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: speech duration must not be negative"))
	}
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must not be negative"))
	}
	if c.AnalysisWindowSize < 0 {
		errs = append(errs, fmt.Errorf("vad: analysis window size must not be negative"))
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("vad: smoothing %v out of range [0, 1)", c.Smoothing))
	}
	return errors.Join(errs...)
}

// ConfigPatch carries a partial update for [Detector.UpdateConfig]. Nil
// fields are left unchanged.
type ConfigPatch struct {
	Threshold       *float64
	SilenceDuration *time.Duration
	SpeechDuration  *time.Duration
	Smoothing       *float64
}

func (c Config) apply(p ConfigPatch) Config {
	if p.Threshold != nil {
		c.Threshold = *p.Threshold
	}
	if p.SilenceDuration != nil {
		c.SilenceDuration = *p.SilenceDuration
	}
	if p.SpeechDuration != nil {
		c.SpeechDuration = *p.SpeechDuration
	}
	if p.Smoothing != nil {
		c.Smoothing = *p.Smoothing
	}
	return c
}
