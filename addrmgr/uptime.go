// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"time"
)

// uptimeWindow indexes the five reliability estimators tracked per record.
type uptimeWindow int

const (
	Window2h uptimeWindow = iota
	Window8h
	Window1d
	Window7d
	Window30d
	numUptimeWindows
)

var windowHalfLife = [numUptimeWindows]time.Duration{
	Window2h:  2 * time.Hour,
	Window8h:  8 * time.Hour,
	Window1d:  24 * time.Hour,
	Window7d:  7 * 24 * time.Hour,
	Window30d: 30 * 24 * time.Hour,
}

// updateUptime applies an exponentially-weighted update to all five
// estimators given the elapsed time since the last update and whether this
// probe succeeded. Each estimator decays toward the new sample with a
// half-life equal to its window, so a long silence lets old history fade
// before the new sample is blended in. The result is always clamped to
// [0,1].
func updateUptime(uptime *[numUptimeWindows]float64, since time.Duration, success bool) {
	sample := 0.0
	if success {
		sample = 1.0
	}
	secs := since.Seconds()
	if secs < 0 {
		secs = 0
	}
	for w := uptimeWindow(0); w < numUptimeWindows; w++ {
		halfLifeSecs := windowHalfLife[w].Seconds()
		f := math.Exp(-secs / halfLifeSecs * math.Ln2)
		v := uptime[w]*f + (1-f)*sample
		uptime[w] = clamp01(v)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
