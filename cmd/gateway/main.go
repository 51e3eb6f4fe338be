// Command gateway runs the Sovereign RAG Gateway. Besides the server it
// ships two audit-log utilities: verify walks the hash chain, bundle packs
// the evidence for one request id.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/sovereignrag/gateway/pkg/audit"
	"github.com/sovereignrag/gateway/pkg/contracts"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; no arguments means serve.
func Run(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "bundle":
		return runBundle(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: gateway [serve|verify|bundle]")
	_, _ = fmt.Fprintln(w, "  serve                      run the HTTP gateway (default)")
	_, _ = fmt.Fprintln(w, "  verify -log <path>         verify the audit hash chain")
	_, _ = fmt.Fprintln(w, "  bundle -log <path> -request-id <id> [-out <dir>]")
	_, _ = fmt.Fprintln(w, "                             build an evidence bundle for a request")
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "artifacts/audit/events.jsonl", "audit log path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	count, err := audit.VerifyLog(*logPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chain ok: %d events\n", count)
	return 0
}

func runBundle(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "artifacts/audit/events.jsonl", "audit log path")
	requestID := fs.String("request-id", "", "request id to bundle")
	outDir := fs.String("out", "", "output directory (empty prints to stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *requestID == "" {
		_, _ = fmt.Fprintln(stderr, "bundle: -request-id is required")
		return 2
	}

	reg, err := contracts.Load(os.Getenv("SRG_CONTRACTS_DIR"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "bundle: load contracts: %v\n", err)
		return 1
	}
	bundle, err := audit.BuildBundle(*logPath, *requestID, reg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "bundle failed: %v\n", err)
		return 1
	}

	if *outDir == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(bundle); err != nil {
			_, _ = fmt.Fprintf(stderr, "bundle: encode: %v\n", err)
			return 1
		}
		return 0
	}
	path, err := audit.WriteBundle(bundle, *outDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "bundle: write: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "bundle written: %s\n", path)
	return 0
}
