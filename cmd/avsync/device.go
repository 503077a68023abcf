//go:build !oto

package main

import (
	"log/slog"
	"time"

	"github.com/zsiec/avsync/internal/hostaudio"
)

const audioDeviceName = "headless"

func newAudioDevice(src hostaudio.Puller, format hostaudio.Format, period time.Duration, log *slog.Logger) (hostaudio.Device, error) {
	return hostaudio.NewHeadless(src, format, period, log), nil
}
