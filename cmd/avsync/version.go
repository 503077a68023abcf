package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zsiec/avsync/internal/backend"
)

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and the compiled-in backends",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(c.out, "avsync %s\n", version)
			if !c.verbose {
				return
			}
			fmt.Fprintf(c.out, "go       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(c.out, "backends %s\n", strings.Join(backend.Names(), ", "))
			fmt.Fprintf(c.out, "audio    %s\n", audioDeviceName)
		},
	}
}
