package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"unicode"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
)

// Install locations on a worker node.
const (
	InstallDir  = "/opt/hamayni"
	AgentBinary = "/usr/local/bin/hfc-agent"
	UnitName    = "hfc-agent.service"
)

var installTemplate = template.Must(template.New("install").Funcs(template.FuncMap{"quote": shellQuote, "comment": commentText}).Parse(`#!/bin/bash
# HFC runner installer for {{comment .Name}}
set -euo pipefail

HFC_DIR={{quote .Dir}}
HFC_API_URL={{quote .APIURL}}
HFC_TOKEN={{quote .Token}}
HFC_AGENT={{quote .Binary}}

if [[ $EUID -ne 0 ]]; then
  echo "this installer must run as root" >&2
  exit 1
fi

if [[ ! -x "$HFC_AGENT" ]]; then
  echo "agent binary not found at $HFC_AGENT; install it first" >&2
  exit 1
fi

mkdir -p "$HFC_DIR/contracts" "$HFC_DIR/logs"
umask 077
printf '%s\n' "$HFC_TOKEN" > "$HFC_DIR/.token"
chmod 600 "$HFC_DIR/.token"

cat > /etc/systemd/system/{{.Unit}} <<UNIT
[Unit]
Description=HFC runner agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
Environment=HFC_API_URL=$HFC_API_URL
Environment=HFC_TOKEN_FILE=$HFC_DIR/.token
Environment=AGENT_DIR=$HFC_DIR
ExecStart=$HFC_AGENT
Restart=always
RestartSec=10

[Install]
WantedBy=multi-user.target
UNIT

systemctl daemon-reload
systemctl enable --now {{.Unit}}

printf 'runner installed for %s; logs in %s/logs/agent.log\n' {{quote (comment .Name)}} "$HFC_DIR"
`))

type installData struct {
	Name   string
	Dir    string
	APIURL string
	Token  string
	Binary string
	Unit   string
}

// InstallScript renders the bootstrap script for the worker owning token.
// apiURL overrides the configured public URL when set.
func (s *Service) InstallScript(ctx context.Context, token, apiURL string) (string, *domain.Worker, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil, ErrTokenRequired
	}
	worker, err := s.store.GetWorkerByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, ErrInvalidToken
		}
		return "", nil, err
	}
	if apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/"); apiURL == "" {
		apiURL = s.publicURL
	}
	script, err := RenderInstallScript(worker.Name, token, apiURL)
	if err != nil {
		return "", nil, err
	}
	return script, worker, nil
}

// RenderInstallScript renders the bootstrap script.
func RenderInstallScript(name, token, apiURL string) (string, error) {
	var buf bytes.Buffer
	err := installTemplate.Execute(&buf, installData{
		Name:   name,
		Dir:    InstallDir,
		APIURL: apiURL,
		Token:  token,
		Binary: AgentBinary,
		Unit:   UnitName,
	})
	if err != nil {
		return "", fmt.Errorf("render install script: %w", err)
	}
	return buf.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// commentText flattens control characters so s stays on one comment line.
func commentText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '\u2028' || r == '\u2029' {
			return ' '
		}
		return r
	}, s)
}
