package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/media"
	"github.com/zsiec/avsync/internal/session"
)

type probeResult struct {
	Source     string              `json:"source"`
	Backend    string              `json:"backend"`
	Format     string              `json:"format"`
	DurationMs int64               `json:"durationMs"`
	Bitrate    int64               `json:"bitrate"`
	Seekable   bool                `json:"seekable"`
	FrameRate  float64             `json:"frameRate,omitempty"`
	StartMs    int64               `json:"startMs"`
	Video      *session.StreamView `json:"video,omitempty"`
	Audio      *session.StreamView `json:"audio,omitempty"`
	Packets    []probePacket       `json:"packets,omitempty"`
}

type probePacket struct {
	Stream   string `json:"stream"`
	PTSUs    int64  `json:"ptsUs"`
	DTSUs    int64  `json:"dtsUs"`
	Keyframe bool   `json:"keyframe"`
	Size     int    `json:"size"`
	Offset   int64  `json:"offset"`
}

func newProbeCmd(c *cli) *cobra.Command {
	var (
		asJSON  bool
		packets int
	)
	cmd := &cobra.Command{
		Use:   "probe SOURCE",
		Short: "Print what the selected backend learns about a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.probe(cmd.Context(), args[0], packets)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printProbe(c.out, res)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVar(&packets, "packets", 0, "also list the first N packets")
	return cmd
}

func (c *cli) probe(ctx context.Context, source string, packets int) (probeResult, error) {
	ctx, cancel := c.signalContext(ctx)
	defer cancel()

	cfg := backend.Config{
		Pool:        media.NewFramePool(),
		SRTLatency:  c.cfg.SRT.Latency,
		DialTimeout: c.cfg.SRT.DialTimeout,
	}
	b, name, err := backend.New(source, cfg)
	if err != nil {
		return probeResult{}, err
	}
	defer b.Close()
	info, err := b.Open(ctx, source)
	if err != nil {
		return probeResult{}, fmt.Errorf("%s backend: %w", name, err)
	}
	if info.Format == "" {
		info.Format = name
	}

	res := probeResult{
		Source:     source,
		Backend:    name,
		Format:     info.Format,
		DurationMs: info.Duration.Milliseconds(),
		Bitrate:    info.Bitrate,
		Seekable:   info.Seekable,
		StartMs:    info.Start() / 1000,
		Video:      session.NewStreamView(info.Video),
		Audio:      session.NewStreamView(info.Audio),
	}
	if info.Video != nil {
		res.FrameRate = info.FrameRate()
	}

	for len(res.Packets) < packets {
		pkt, err := b.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read packet: %w", err)
		}
		res.Packets = append(res.Packets, probePacket{
			Stream:   streamName(info, pkt.StreamIndex),
			PTSUs:    pkt.PTS,
			DTSUs:    pkt.DTS,
			Keyframe: pkt.Keyframe,
			Size:     len(pkt.Data),
			Offset:   pkt.Offset,
		})
		pkt.Release()
	}
	return res, nil
}

func streamName(info media.Info, index int) string {
	switch {
	case info.Video != nil && info.Video.Index == index:
		return "video"
	case info.Audio != nil && info.Audio.Index == index:
		return "audio"
	}
	return fmt.Sprintf("#%d", index)
}

func printProbe(w io.Writer, r probeResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "source\t%s\n", r.Source)
	fmt.Fprintf(tw, "backend\t%s\n", r.Backend)
	fmt.Fprintf(tw, "format\t%s\n", r.Format)
	fmt.Fprintf(tw, "duration\t%v\n", time.Duration(r.DurationMs)*time.Millisecond)
	fmt.Fprintf(tw, "bitrate\t%d b/s\n", r.Bitrate)
	fmt.Fprintf(tw, "seekable\t%v\n", r.Seekable)
	fmt.Fprintf(tw, "start\t%v\n", time.Duration(r.StartMs)*time.Millisecond)
	if v := r.Video; v != nil {
		fmt.Fprintf(tw, "video\t%s %dx%d %.3f fps\n", v.Codec, v.Width, v.Height, r.FrameRate)
	}
	if a := r.Audio; a != nil {
		fmt.Fprintf(tw, "audio\t%s %d Hz %d ch\n", a.Codec, a.SampleRate, a.Channels)
	}
	if len(r.Packets) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "stream\tpts\tdts\tkey\tsize\toffset")
		for _, p := range r.Packets {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\t%d\n", p.Stream, formatUs(p.PTSUs), formatUs(p.DTSUs), p.Keyframe, p.Size, p.Offset)
		}
	}
	return tw.Flush()
}

func formatUs(us int64) string {
	if us == media.NoPTS {
		return "-"
	}
	return media.ToDuration(us).String()
}
