//go:build oto

package main

import (
	"log/slog"
	"time"

	"github.com/zsiec/avsync/internal/hostaudio"
)

const audioDeviceName = "oto"

// The oto device paces itself; period only applies to the headless device.
func newAudioDevice(src hostaudio.Puller, format hostaudio.Format, _ time.Duration, log *slog.Logger) (hostaudio.Device, error) {
	return hostaudio.NewOto(src, format, log)
}
