// Package stream splits a complete model reply into per-character fragments
// with content-aware pacing, emulating incremental generation when the
// upstream provider only returns full replies.
package stream

import (
	"context"
	"errors"
	"time"
)

// ErrInterrupted reports that chunking stopped because the caller cancelled,
// as opposed to running out of input.
var ErrInterrupted = errors.New("stream interrupted")

// Delay units per character class. Terminal punctuation pauses longest so the
// cadence reads like deliberate typing rather than a uniform drip.
const (
	delaySentenceEnd = 200
	delayClause      = 100
	delayWhitespace  = 20
	delayAlnum       = 40
	delayDefault     = 60
)

// DelayUnits returns the pause, in time units, that follows r.
func DelayUnits(r rune) int {
	switch r {
	case '。', '！', '？', '.', '!', '?', '\n':
		return delaySentenceEnd
	case '，', '；', '：', ',', ';', ':':
		return delayClause
	case ' ', '\t', '\r':
		return delayWhitespace
	}
	if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
		return delayAlnum
	}
	return delayDefault
}

// Chunker paces a reply one rune at a time. Each call to Stream walks the
// text once; a fresh call is required per reply.
type Chunker struct {
	unit time.Duration
}

// NewChunker builds a chunker whose time unit defaults to one millisecond.
// Tests shrink the unit to keep pacing realistic without slow runs.
func NewChunker(unit time.Duration) *Chunker {
	if unit <= 0 {
		unit = time.Millisecond
	}
	return &Chunker{unit: unit}
}

// Stream emits text rune by rune through emit, sleeping the tiered delay
// after each fragment. Cancellation is checked before every emission and
// honored during the sleep itself, so a stop request never waits out a long
// pause. Returns ErrInterrupted when ctx is cancelled, the emit callback's
// error if it fails, and nil when the text is exhausted.
func (c *Chunker) Stream(ctx context.Context, text string, emit func(fragment string) error) error {
	for _, r := range text {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if err := emit(string(r)); err != nil {
			return err
		}
		if err := c.pause(ctx, DelayUnits(r)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chunker) pause(ctx context.Context, units int) error {
	timer := time.NewTimer(time.Duration(units) * c.unit)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
