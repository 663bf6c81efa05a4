// Package posebuffer keeps a short history of timestamped world poses so that
// camera frames can be stamped with the pose the camera had at capture time,
// not at processing time.
package posebuffer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/spatialmath"
)

const (
	// DefaultMaxAge is how much pose history is kept for late-arriving frames.
	DefaultMaxAge = 2 * time.Minute
	// DefaultMaxSamples caps memory when pose updates arrive quickly.
	DefaultMaxSamples = 4096

	// lookupPollInterval is how often a waiting lookup re-checks the buffer.
	lookupPollInterval = 5 * time.Millisecond
	// latestSlack is how far past the newest sample a lookup stamp may be and
	// still resolve to the newest pose instead of waiting for a bracket.
	latestSlack = 10 * time.Millisecond
)

type sample struct {
	stamp time.Time
	pose  spatialmath.Pose
}

// A Buffer is a time-ordered pose history with interpolated lookup.
type Buffer struct {
	mu         sync.Mutex
	samples    []sample
	maxAge     time.Duration
	maxSamples int
}

// New returns an empty buffer. Non-positive limits fall back to defaults.
func New(maxAge time.Duration, maxSamples int) *Buffer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Buffer{maxAge: maxAge, maxSamples: maxSamples}
}

// Add inserts a pose observed at the given stamp, keeping samples ordered.
// Samples older than the max age relative to the newest stamp are evicted.
func (b *Buffer) Add(stamp time.Time, pose spatialmath.Pose) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := len(b.samples)
	for i > 0 && b.samples[i-1].stamp.After(stamp) {
		i--
	}
	b.samples = append(b.samples, sample{})
	copy(b.samples[i+1:], b.samples[i:])
	b.samples[i] = sample{stamp: stamp, pose: pose}

	newest := b.samples[len(b.samples)-1].stamp
	cutoff := newest.Add(-b.maxAge)
	drop := 0
	for drop < len(b.samples)-1 && b.samples[drop].stamp.Before(cutoff) {
		drop++
	}
	if over := len(b.samples) - drop - b.maxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.samples = append(b.samples[:0], b.samples[drop:]...)
	}
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Latest returns the newest sample, if any.
func (b *Buffer) Latest() (time.Time, spatialmath.Pose, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return time.Time{}, nil, false
	}
	s := b.samples[len(b.samples)-1]
	return s.stamp, s.pose, true
}

// LookupAt returns the pose at the given stamp, interpolating between the
// bracketing samples. If the stamp is newer than everything buffered, LookupAt
// waits up to timeout for a bracketing sample to arrive before giving up. A
// stamp older than the buffered history is an immediate error.
func (b *Buffer) LookupAt(ctx context.Context, stamp time.Time, timeout time.Duration) (spatialmath.Pose, error) {
	deadline := time.Now().Add(timeout)
	for {
		pose, retry, err := b.lookupOnce(stamp)
		if err == nil {
			return pose, nil
		}
		if !retry || time.Now().After(deadline) {
			return nil, err
		}
		if !goutils.SelectContextOrWait(ctx, lookupPollInterval) {
			return nil, ctx.Err()
		}
	}
}

// lookupOnce resolves the stamp against the current buffer contents. The
// second return reports whether waiting could still help.
func (b *Buffer) lookupOnce(stamp time.Time) (spatialmath.Pose, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) == 0 {
		return nil, true, errors.New("pose buffer is empty")
	}

	oldest := b.samples[0]
	newest := b.samples[len(b.samples)-1]
	if stamp.Before(oldest.stamp) {
		return nil, false, errors.Errorf(
			"stamp %v predates pose history (oldest %v)", stamp, oldest.stamp)
	}
	if stamp.After(newest.stamp) {
		if stamp.Sub(newest.stamp) <= latestSlack {
			return newest.pose, false, nil
		}
		return nil, true, errors.Errorf(
			"no pose yet at stamp %v (newest %v)", stamp, newest.stamp)
	}

	// Binary search for the first sample at or after the stamp.
	lo, hi := 0, len(b.samples)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if b.samples[mid].stamp.Before(stamp) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	after := b.samples[lo]
	if after.stamp.Equal(stamp) || lo == 0 {
		return after.pose, false, nil
	}
	before := b.samples[lo-1]
	span := after.stamp.Sub(before.stamp)
	if span <= 0 {
		return after.pose, false, nil
	}
	frac := float64(stamp.Sub(before.stamp)) / float64(span)
	return spatialmath.Interpolate(before.pose, after.pose, frac), false, nil
}
