package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamayni/forge/pkg/crypto"
	"github.com/hamayni/forge/pkg/hfc"
)

type compileOptions struct {
	TemplatePath string
	Inputs       map[string]any
	ContractID   string
	At           time.Time
	ForgedBy     string
	Secret       string
}

type compileResult struct {
	Contract hfc.Contract `json:"hfc_json"`
	Script   string       `json:"compiled_script"`
}

func commandCompile(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	templatePath := fs.String("template", "", "Template file (.yaml, .yml or .json)")
	inputsFile := fs.String("inputs-file", "", "JSON file with template inputs")
	id := fs.String("id", "", "Contract id (random when empty)")
	at := fs.String("at", "", "Creation time, RFC3339 (now when empty)")
	forgedBy := fs.String("forged-by", "", "Forger recorded in the header (defaults to $USER)")
	secret := fs.String("secret", os.Getenv("HFC_SIGNING_SECRET"), "Signing secret; unsigned contracts only carry the integrity hash")
	asJSON := fs.Bool("json", false, "Print the contract and script as JSON")
	inputs := inputFlags{}
	fs.Var(inputs, "input", "Template input key=value (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*templatePath) == "" {
		return errors.New("--template is required")
	}
	values, err := mergeInputs(*inputsFile, inputs)
	if err != nil {
		return err
	}
	opts := compileOptions{
		TemplatePath: *templatePath,
		Inputs:       values,
		ContractID:   strings.TrimSpace(*id),
		ForgedBy:     strings.TrimSpace(*forgedBy),
		Secret:       *secret,
		At:           time.Now(),
	}
	if strings.TrimSpace(*at) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*at))
		if err != nil {
			return fmt.Errorf("--at must be RFC3339: %w", err)
		}
		opts.At = parsed
	}
	if opts.ForgedBy == "" {
		opts.ForgedBy = os.Getenv("USER")
	}

	result, err := compileTemplate(opts)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, result)
	}
	_, err = io.WriteString(out, result.Script)
	return err
}

// compileTemplate forges a contract locally from a template file. With the
// same id, time and inputs the output is byte-identical.
func compileTemplate(opts compileOptions) (compileResult, error) {
	data, err := os.ReadFile(opts.TemplatePath)
	if err != nil {
		return compileResult{}, fmt.Errorf("read template: %w", err)
	}
	doc, err := hfc.ParseTemplate(filepath.Base(opts.TemplatePath), data)
	if err != nil {
		return compileResult{}, err
	}
	id := opts.ContractID
	if id == "" {
		id = uuid.NewString()
	}
	forgedBy := opts.ForgedBy
	if forgedBy == "" {
		forgedBy = "cli"
	}
	contract, err := hfc.Build(doc.Content, opts.Inputs, hfc.Identity{
		ContractID:      id,
		TemplateSlug:    doc.Slug,
		TemplateVersion: doc.Version,
		ForgedBy:        forgedBy,
		CreatedAt:       opts.At,
	})
	if err != nil {
		return compileResult{}, err
	}

	if opts.Secret != "" {
		contract, err = hfc.Sign(contract, crypto.DeriveKey(opts.Secret, crypto.PurposeSigning), opts.At, hfc.SignOptions{
			SignerVersion: "hfc-cli/" + buildVersion,
			Template:      doc.Content,
			Inputs:        opts.Inputs,
		})
		if err != nil {
			return compileResult{}, err
		}
	} else {
		hash, err := hfc.IntegrityHash(contract)
		if err != nil {
			return compileResult{}, err
		}
		contract.Proofs.IntegrityHash = hash
	}

	script, err := hfc.Compile(contract)
	if err != nil {
		return compileResult{}, err
	}
	return compileResult{Contract: contract, Script: script}, nil
}

// verifyFile checks a contract document on disk. The signature is only
// checked when a secret is given.
func verifyFile(path, secret string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read contract: %w", err)
	}
	var wrapped struct {
		HFCJSON json.RawMessage `json:"hfc_json"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.HFCJSON) > 0 {
		data = wrapped.HFCJSON
	}
	var contract hfc.Contract
	if err := json.Unmarshal(data, &contract); err != nil {
		return fmt.Errorf("parse contract: %w", err)
	}

	integrityErr := hfc.Verify(contract)
	fmt.Fprintf(out, "integrity: %s\n", okWord(integrityErr == nil))
	if secret == "" {
		fmt.Fprintln(out, "signature: not checked")
		return integrityErr
	}
	signatureErr := hfc.VerifySignature(contract, crypto.DeriveKey(secret, crypto.PurposeSigning))
	fmt.Fprintf(out, "signature: %s\n", okWord(signatureErr == nil))
	return errors.Join(integrityErr, signatureErr)
}
