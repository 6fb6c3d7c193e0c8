// Command dictmigrate submits, resumes and inspects clinical data dictionary
// migrations.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

// cli runs the command tree and maps failures to a non-zero exit code.
// SIGINT and SIGTERM cancel detached runs, leaving them OPEN for resume.
func cli(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "dictmigrate: %v\n", err)
		return 1
	}
	return 0
}
