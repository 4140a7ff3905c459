package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	out := os.Stdout

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args, out)
	case "forge":
		err = commandForge(args, out)
	case "contracts":
		err = commandContracts(args, out)
	case "contract":
		err = commandContract(args, out)
	case "assign":
		err = commandAssign(args, out)
	case "servers":
		err = commandServers(args, out)
	case "register":
		err = commandRegister(args, out)
	case "templates":
		err = commandTemplates(args, out)
	case "verify":
		err = commandVerify(args, out)
	case "compile":
		err = commandCompile(args, out)
	case "version", "--version", "-v":
		fmt.Fprintln(out, strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage(out)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "hfc CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	hfc login [--api http://localhost:4000] [--token <operator-token>]
	hfc forge --template <slug> [--input key=value ...] [--inputs-file inputs.json] [--server <server-id>] [--script|--json]
	hfc contracts [--status PENDING|CLAIMED|SUCCESS|FAILED]
	hfc contract <contract-id> [--script|--json]
	hfc assign <contract-id> <server-id>
	hfc servers
	hfc register <name>
	hfc templates
	hfc verify <contract-id>
	hfc verify --file contract.json [--secret <signing-secret>]
	hfc compile --template <file> [--input key=value ...] [--inputs-file inputs.json] [--id <contract-id>] [--at <RFC3339>] [--secret <signing-secret>] [--json]
	hfc version
`)
}
