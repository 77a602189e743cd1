// Command llp runs LLP tunnel servers and clients and hosts the operator
// tooling around them.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lostlove-net/llp/internal/constants"
	pkgversion "github.com/lostlove-net/llp/pkg/version"
)

// Overridden with -ldflags "-X main.version=... -X main.buildTime=... -X main.gitCommit=...".
var (
	version   string
	buildTime string
	gitCommit string
)

func getVersion() string {
	if version != "" {
		return version
	}
	return pkgversion.String()
}

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

func commands() []command {
	return []command{
		{"server", "Run a tunnel server that echoes every stream", serverCommand},
		{"client", "Connect to a server and exchange data on a stream", clientCommand},
		{"keygen", "Generate an Ed25519 client identity", keygenCommand},
		{"bench", "Run handshake and throughput benchmarks over loopback", benchCommand},
		{"selftest", "Run the cryptographic self-test", func([]string) error { return selftestCommand() }},
		{"version", "Print version information", func([]string) error { return writeVersion(os.Stdout) }},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches to a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		writeUsage(stderr)
		return 2
	}
	switch args[0] {
	case "help", "-h", "--help":
		writeUsage(stdout)
		return 0
	}
	for _, c := range commands() {
		if c.name != args[0] {
			continue
		}
		if err := c.run(args[1:]); err != nil {
			fmt.Fprintf(stderr, "llp %s: %v\n", c.name, err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "llp: unknown command %q\n\n", args[0])
	writeUsage(stderr)
	return 2
}

func writeVersion(w io.Writer) error {
	fmt.Fprintf(w, "llp %s (protocol %d)\n", getVersion(), constants.ProtocolVersion)
	if buildTime != "" {
		fmt.Fprintf(w, "built:  %s\n", buildTime)
	}
	if gitCommit != "" {
		fmt.Fprintf(w, "commit: %s\n", gitCommit)
	}
	return nil
}

const usageExamples = `
Examples:
  # Start a server from a config file, with metrics on :9090
  llp server --config llp.yaml --metrics :9090

  # Send one message over QUIC
  llp client --server localhost:8443 --transport quic --message "hello"

  # Interactive session, rotating keys once connected
  llp client --server localhost:8443 --message - --rotate

  # Benchmark 100 handshakes with all layers
  llp bench --handshakes 100 --mode maximum_security
`

func writeUsage(w io.Writer) {
	var b strings.Builder
	b.WriteString("llp - layered secure tunnel\n\nUsage:\n  llp <command> [options]\n\nCommands:\n")
	for _, c := range commands() {
		fmt.Fprintf(&b, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(&b, "  %-9s %s\n", "help", "Show this help message")
	b.WriteString("\nRun 'llp <command> --help' for a command's flags.\n")
	b.WriteString(usageExamples)
	io.WriteString(w, b.String())
}
