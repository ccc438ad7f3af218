package docsync

import (
	"math/rand"
	"time"
)

type BackoffSettings struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// each delay is perturbed by up to +/- this fraction
	JitterFraction float64
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay:   1 * time.Second,
		MaxDelay:       60 * time.Second,
		Factor:         2.0,
		JitterFraction: 0.5,
	}
}

type backoff struct {
	settings *BackoffSettings

	nextDelay time.Duration
}

func newBackoff(settings *BackoffSettings) *backoff {
	return &backoff{
		settings:  settings,
		nextDelay: settings.InitialDelay,
	}
}

// the jittered delay to wait before the next attempt.
// base delays grow by `Factor` per call up to `MaxDelay`.
func (self *backoff) NextDelay() time.Duration {
	delay := self.nextDelay
	self.nextDelay = time.Duration(float64(self.nextDelay) * self.settings.Factor)
	if self.settings.MaxDelay < self.nextDelay {
		self.nextDelay = self.settings.MaxDelay
	}
	jitter := 1.0 + self.settings.JitterFraction*(2.0*rand.Float64()-1.0)
	return time.Duration(float64(delay) * jitter)
}

func (self *backoff) Reset() {
	self.nextDelay = self.settings.InitialDelay
}
