package player

import (
	"time"

	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/render"
)

// Sink receives everything a Player produces for the host other than audio.
// Video calls come from the render goroutine. OnComplete fires each time
// playback reaches the end of the source, including after a seek from the
// completed state. OnError fires at most once.
type Sink interface {
	render.Sink
	OnComplete(duration time.Duration)
	OnError(err error)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	VideoSize  func(width, height int, fps float64)
	VideoFrame func(img media.VideoImage)
	Complete   func(duration time.Duration)
	Error      func(err error)
}

func (s SinkFuncs) OnVideoSize(width, height int, fps float64) {
	if s.VideoSize != nil {
		s.VideoSize(width, height, fps)
	}
}

func (s SinkFuncs) OnVideoFrame(img media.VideoImage) {
	if s.VideoFrame != nil {
		s.VideoFrame(img)
	}
}

func (s SinkFuncs) OnComplete(d time.Duration) {
	if s.Complete != nil {
		s.Complete(d)
	}
}

func (s SinkFuncs) OnError(err error) {
	if s.Error != nil {
		s.Error(err)
	}
}

// Tee fans events out to several sinks in order.
type Tee []Sink

func (t Tee) OnVideoSize(width, height int, fps float64) {
	for _, s := range t {
		s.OnVideoSize(width, height, fps)
	}
}

func (t Tee) OnVideoFrame(img media.VideoImage) {
	for _, s := range t {
		s.OnVideoFrame(img)
	}
}

func (t Tee) OnComplete(d time.Duration) {
	for _, s := range t {
		s.OnComplete(d)
	}
}

func (t Tee) OnError(err error) {
	for _, s := range t {
		s.OnError(err)
	}
}
