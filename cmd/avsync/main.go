// Command avsync plays audio/video sources with audio-master
// synchronization, probes and generates test streams, inspects capture files
// and serves the session control API.
//
// Usage:
//
//	avsync [flags] <command> [args]
//
// Commands:
//
//	play     - play a source through the headless (or oto) audio device
//	probe    - print what a backend learns about a source
//	inspect  - summarize a capture file
//	gen      - write a synthetic MPEG-TS test stream
//	push     - send a TS file to an SRT listener in real time
//	serve    - run the HTTP control API
//	version  - show version information
package main

import (
	"fmt"
	"os"

	_ "github.com/zsiec/avsync/internal/backend/tsdemux"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
