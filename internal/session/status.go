package session

import (
	"time"

	"github.com/zsiec/avsync/internal/clock"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/player"
	"github.com/zsiec/avsync/internal/stats"
)

// Status is the JSON view of a session.
type Status struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	StartedAt time.Time    `json:"startedAt"`
	State     player.State `json:"state"`
	Error     string       `json:"error,omitempty"`

	PositionMs int64       `json:"positionMs"`
	DurationMs int64       `json:"durationMs"`
	Format     string      `json:"format,omitempty"`
	Bitrate    int64       `json:"bitrate,omitempty"`
	Seekable   bool        `json:"seekable"`
	FrameRate  float64     `json:"frameRate,omitempty"`
	Video      *StreamView `json:"video,omitempty"`
	Audio      *StreamView `json:"audio,omitempty"`

	Clock *clock.Snapshot `json:"clock,omitempty"`
	Stats *stats.Snapshot `json:"stats,omitempty"`
}

// StreamView describes one selected stream.
type StreamView struct {
	Codec      string  `json:"codec"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Bitrate    int64   `json:"bitrate,omitempty"`
}

// Status reports the session. Detailed adds the clock and stats counters.
func (s *Session) Status(detailed bool) Status {
	p := s.player
	info := p.Info()
	st := Status{
		ID:         s.ID,
		Source:     s.Source,
		StartedAt:  s.StartedAt,
		State:      p.State(),
		PositionMs: p.Position().Milliseconds(),
		DurationMs: info.Duration.Milliseconds(),
		Format:     info.Format,
		Bitrate:    info.Bitrate,
		Seekable:   info.Seekable,
		Video:      NewStreamView(info.Video),
		Audio:      NewStreamView(info.Audio),
	}
	if info.Video != nil {
		st.FrameRate = info.FrameRate()
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	if detailed {
		c := p.Clock()
		snap := p.Stats()
		st.Clock, st.Stats = &c, &snap
	}
	return st
}

// NewStreamView describes si, or returns nil for a missing stream.
func NewStreamView(si *media.StreamInfo) *StreamView {
	if si == nil {
		return nil
	}
	v := &StreamView{Codec: si.Codec, Bitrate: si.BitrateBitsPS}
	switch si.Kind {
	case media.KindVideo:
		v.Width, v.Height = si.Width, si.Height
		v.FrameRate = si.FrameRate
	case media.KindAudio:
		v.SampleRate, v.Channels = si.SampleRate, si.Channels
	}
	return v
}
