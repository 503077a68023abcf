//go:build ffmpeg

package main

import _ "github.com/zsiec/avsync/internal/backend/ffmpeg"
