// Package clock holds the shared audio/video clock state and the
// audio-master synchronization rule that decides how long the renderer waits
// before presenting each video frame.
package clock

import "math"

// Synchronization thresholds in seconds.
const (
	SyncThreshold = 0.02
	MaxSyncDiff   = 0.10
	MaxDelay      = 0.5
)

// Params tunes Delay. The zero value is not useful; start from DefaultParams.
type Params struct {
	Threshold float64 `yaml:"threshold"`
	MaxDiff   float64 `yaml:"max_diff"`
	MaxDelay  float64 `yaml:"max_delay"`
}

// DefaultParams are the thresholds the engine runs with unless configured.
var DefaultParams = Params{
	Threshold: SyncThreshold,
	MaxDiff:   MaxSyncDiff,
	MaxDelay:  MaxDelay,
}

// Delay returns how long to wait, in seconds, before presenting a video frame
// with presentation time videoPts when the audio clock reads audioTime. Audio
// is the master: only video timing is adjusted.
func Delay(videoPts, audioTime, frameDuration float64, p Params) float64 {
	base := frameDuration
	diff := videoPts - audioTime

	var delay float64
	switch {
	case math.Abs(diff) < p.Threshold:
		delay = base
	case diff > p.MaxDiff:
		delay = base + p.MaxDiff/2
	case diff < -p.MaxDiff:
		delay = math.Max(0, base/2)
	case diff > 0:
		delay = base - diff
	default:
		delay = math.Max(0, base+diff)
	}

	return math.Min(math.Max(delay, 0), p.MaxDelay)
}
