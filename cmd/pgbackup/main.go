// Command pgbackup is the CLI front-end over the backup/restore core: a
// thin cobra dispatch table (design note #9) whose subcommands each call
// straight into internal/driver, internal/catalog, and internal/chain.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/pgbackup/pgbackup/internal/agent"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--agent" {
		runAgent()
		return
	}

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// runAgent is the remote side of §4.I: invoked on a host reached over SSH
// as "<binary> --agent", it serves framed RPC requests over stdin/stdout
// until CopDisconnect or the pipe closes.
func runAgent() {
	tr := stdioTransport{}
	srv := &agent.Server{}
	if err := srv.Serve(tr); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: agent: %v\n", err)
		os.Exit(1)
	}
}

// stdioTransport adapts the process's stdin/stdout to agent.Transport.
type stdioTransport struct{}

func (stdioTransport) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioTransport) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioTransport) Close() error                { return nil }
