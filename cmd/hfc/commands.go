package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/hamayni/forge/pkg/api/client"
)

const requestTimeout = 15 * time.Second

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positional ones.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func commandLogin(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Fprint(out, "Operator token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprint(out, "\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("operator token is required")
	}

	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.ListTemplates(ctx, secret); err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "login successful")
	return nil
}

func commandForge(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("forge", flag.ExitOnError)
	slug := fs.String("template", "", "Template slug")
	inputsFile := fs.String("inputs-file", "", "JSON file with template inputs")
	serverID := fs.String("server", "", "Server to assign the contract to")
	showScript := fs.Bool("script", false, "Print the compiled script")
	asJSON := fs.Bool("json", false, "Print the full response as JSON")
	inputs := inputFlags{}
	fs.Var(inputs, "input", "Template input key=value (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--template is required")
	}
	values, err := mergeInputs(*inputsFile, inputs)
	if err != nil {
		return err
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Forge(ctx, token, apiclient.ForgeRequest{
		TemplateSlug: *slug,
		Inputs:       values,
		ServerID:     *serverID,
	})
	if err != nil {
		return err
	}
	switch {
	case *asJSON:
		return writeJSON(out, resp)
	case *showScript:
		fmt.Fprint(out, resp.CompiledScript)
		return nil
	}
	fmt.Fprintf(out, "contract forged: %s\nintegrity: %s\n", resp.ContractID, resp.IntegrityHash)
	return nil
}

func commandContracts(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("contracts", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (PENDING|CLAIMED|SUCCESS|FAILED)")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	contracts, err := client.ListContracts(ctx, token, strings.ToUpper(strings.TrimSpace(*status)))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTEMPLATE\tSTATUS\tSERVER\tCREATED")
	for _, c := range contracts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.TemplateSlug, c.Status, dash(c.ServerID), c.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func commandContract(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("contract", flag.ExitOnError)
	showScript := fs.Bool("script", false, "Print the compiled script")
	asJSON := fs.Bool("json", false, "Print the full detail as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("usage: hfc contract <contract-id>")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	detail, err := client.GetContract(ctx, token, positional[0])
	if err != nil {
		return err
	}
	switch {
	case *asJSON:
		return writeJSON(out, detail)
	case *showScript:
		fmt.Fprint(out, detail.CompiledScript)
		return nil
	}
	printContractDetail(out, detail)
	return nil
}

func printContractDetail(out io.Writer, d apiclient.ContractDetail) {
	fmt.Fprintf(out, "id:        %s\n", d.ID)
	fmt.Fprintf(out, "template:  %s@%s\n", d.TemplateSlug, d.TemplateVersion)
	fmt.Fprintf(out, "status:    %s\n", d.Status)
	fmt.Fprintf(out, "server:    %s\n", dash(d.ServerID))
	fmt.Fprintf(out, "forged by: %s\n", d.ForgedBy)
	fmt.Fprintf(out, "integrity: %s\n", d.IntegrityHash)
	fmt.Fprintf(out, "created:   %s\n", d.CreatedAt.Format(time.RFC3339))
	if d.DurationMS != nil {
		fmt.Fprintf(out, "duration:  %dms\n", *d.DurationMS)
	}
	for _, e := range d.Executions {
		fmt.Fprintf(out, "execution %s on %s: %s\n", e.ID, e.ServerName, e.Status)
	}
	if d.ExecutionLogs != "" {
		fmt.Fprintf(out, "\n--- logs ---\n%s\n", d.ExecutionLogs)
	}
}

func commandAssign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 2 {
		return errors.New("usage: hfc assign <contract-id> <server-id>")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	contract, err := client.AssignContract(ctx, token, positional[0], positional[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "contract %s assigned to %s\n", contract.ID, contract.ServerID)
	return nil
}

func commandServers(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	servers, err := client.ListServers(ctx, token)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tHOST\tIP\tLAST HEARTBEAT")
	for _, s := range servers {
		last := "-"
		if s.LastHeartbeat != nil {
			last = s.LastHeartbeat.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, dash(s.Hostname), dash(s.IPAddress), last)
	}
	return tw.Flush()
}

func commandRegister(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 || strings.TrimSpace(positional[0]) == "" {
		return errors.New("usage: hfc register <name>")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	server, err := client.RegisterServer(ctx, token, positional[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "server registered: %s (%s)\n", server.ID, server.Name)
	fmt.Fprintf(out, "token: %s\n", server.Token)
	fmt.Fprintf(out, "install: curl -fsSL '%s/install?token=%s' | sudo bash\n", client.BaseURL(), server.Token)
	return nil
}

func commandTemplates(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("templates", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	templates, err := client.ListTemplates(ctx, token)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tVERSION\tNAME")
	for _, t := range templates {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Slug, t.Version, t.Name)
	}
	return tw.Flush()
}

func commandVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	file := fs.String("file", "", "Verify a local contract JSON file instead of a stored contract")
	secret := fs.String("secret", "", "Signing secret for offline signature checks")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*file) != "" {
		return verifyFile(*file, *secret, out)
	}
	if len(positional) != 1 {
		return errors.New("usage: hfc verify <contract-id> | hfc verify --file contract.json")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := client.VerifyContract(ctx, token, positional[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "integrity: %s\nsignature: %s\n", okWord(result.IntegrityOK), okWord(result.SignatureOK))
	if !result.IntegrityOK || !result.SignatureOK {
		return fmt.Errorf("contract %s failed verification", result.ContractID)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func okWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISMATCH"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
