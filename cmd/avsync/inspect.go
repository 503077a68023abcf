package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/avsync/internal/capture"
)

type inspectResult struct {
	Source       string      `json:"source"`
	Started      time.Time   `json:"started"`
	SpanMs       int64       `json:"spanMs"`
	Complete     bool        `json:"complete"`
	DurationMs   int64       `json:"durationMs"`
	Error        string      `json:"error,omitempty"`
	Truncated    string      `json:"truncated,omitempty"`
	Width        int         `json:"width,omitempty"`
	Height       int         `json:"height,omitempty"`
	FPS          float64     `json:"fps,omitempty"`
	VideoFrames  int         `json:"videoFrames"`
	FirstPTSMs   int64       `json:"firstPtsMs"`
	LastPTSMs    int64       `json:"lastPtsMs"`
	Backwards    int         `json:"backwards"`
	AudioChunks  int         `json:"audioChunks"`
	AudioSamples int64       `json:"audioSamples"`
	VideoDrift   driftResult `json:"videoDrift"`
	AudioDrift   driftResult `json:"audioDrift"`
}

type driftResult struct {
	Samples   int     `json:"samples"`
	MeanMs    float64 `json:"meanMs"`
	MeanAbsMs float64 `json:"meanAbsMs"`
	MaxMs     float64 `json:"maxMs"`
}

func newInspectCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize a capture file: counts, PTS range and measured drift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := capture.SummarizeFile(args[0])
			res := newInspectResult(sum)
			if err != nil {
				// A truncated file still summarizes what it holds.
				if sum.Header.Source == "" && sum.VideoFrames == 0 && sum.AudioChunks == 0 {
					return err
				}
				c.log.Warn("capture is truncated", "error", err)
				res.Truncated = err.Error()
			}
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printInspect(c.out, res)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newInspectResult(s capture.Summary) inspectResult {
	return inspectResult{
		Source:       s.Header.Source,
		Started:      s.Header.Started,
		SpanMs:       s.Span.Milliseconds(),
		Complete:     s.Complete,
		DurationMs:   s.Duration.Milliseconds(),
		Error:        s.Error,
		Width:        s.Width,
		Height:       s.Height,
		FPS:          s.FPS,
		VideoFrames:  s.VideoFrames,
		FirstPTSMs:   s.FirstPTS.Milliseconds(),
		LastPTSMs:    s.LastPTS.Milliseconds(),
		Backwards:    s.Backwards,
		AudioChunks:  s.AudioChunks,
		AudioSamples: s.AudioSamples,
		VideoDrift:   newDriftResult(s.VideoDrift),
		AudioDrift:   newDriftResult(s.AudioDrift),
	}
}

func newDriftResult(d capture.Drift) driftResult {
	ms := func(v time.Duration) float64 { return float64(v) / float64(time.Millisecond) }
	return driftResult{
		Samples:   d.Samples,
		MeanMs:    ms(d.Mean()),
		MeanAbsMs: ms(d.MeanAbs()),
		MaxMs:     ms(d.Max),
	}
}

func printInspect(w io.Writer, r inspectResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "source\t%s\n", r.Source)
	fmt.Fprintf(tw, "started\t%s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(tw, "span\t%v\n", time.Duration(r.SpanMs)*time.Millisecond)
	switch {
	case r.Error != "":
		fmt.Fprintf(tw, "ended\tfailed: %s\n", r.Error)
	case r.Complete:
		fmt.Fprintf(tw, "ended\tcomplete (%v)\n", time.Duration(r.DurationMs)*time.Millisecond)
	default:
		fmt.Fprintf(tw, "ended\tstopped\n")
	}
	if r.Truncated != "" {
		fmt.Fprintf(tw, "truncated\t%s\n", r.Truncated)
	}
	if r.VideoFrames > 0 {
		fmt.Fprintf(tw, "video\t%d frames %dx%d @ %.3f fps, pts %v .. %v\n", r.VideoFrames, r.Width, r.Height, r.FPS,
			time.Duration(r.FirstPTSMs)*time.Millisecond, time.Duration(r.LastPTSMs)*time.Millisecond)
		fmt.Fprintf(tw, "video drift\tmean %.2fms, mean abs %.2fms, max %.2fms\n", r.VideoDrift.MeanMs, r.VideoDrift.MeanAbsMs, r.VideoDrift.MaxMs)
		if r.Backwards > 0 {
			fmt.Fprintf(tw, "backwards pts\t%d\n", r.Backwards)
		}
	}
	if r.AudioChunks > 0 {
		fmt.Fprintf(tw, "audio\t%d pulls, %d samples\n", r.AudioChunks, r.AudioSamples)
		fmt.Fprintf(tw, "audio drift\tmean %.2fms, mean abs %.2fms, max %.2fms\n", r.AudioDrift.MeanMs, r.AudioDrift.MeanAbsMs, r.AudioDrift.MaxMs)
	}
	return tw.Flush()
}
