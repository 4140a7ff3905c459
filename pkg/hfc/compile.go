package hfc

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LogDir is where compiled scripts append their log file unless HFC_LOG_DIR
// overrides it at run time.
const LogDir = "/var/log/hamayni"

const defaultRetryDelay = 5

// Compile renders c into a standalone bash script. The output depends only on
// c, so compiling the same contract twice yields identical bytes.
func Compile(c Contract) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	w := &scriptWriter{}
	writePreamble(w, c)
	writeGates(w, c.Gates)
	writeBom(w, c.Bom)
	writeOperations(w, c.Operations)
	writeFooter(w, c)
	return w.String(), nil
}

type scriptWriter struct {
	b      strings.Builder
	indent int
}

func (w *scriptWriter) line(format string, args ...any) {
	if format == "" {
		w.b.WriteByte('\n')
		return
	}
	w.b.WriteString(strings.Repeat("  ", w.indent))
	if len(args) == 0 {
		w.b.WriteString(format)
	} else {
		fmt.Fprintf(&w.b, format, args...)
	}
	w.b.WriteByte('\n')
}

// block writes a multi-line fragment at the current indent.
func (w *scriptWriter) block(text string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if strings.TrimSpace(l) == "" {
			w.b.WriteByte('\n')
			continue
		}
		w.line("%s", l)
	}
}

// raw writes user supplied shell text verbatim so heredocs and line
// continuations keep working.
func (w *scriptWriter) raw(text string) {
	w.b.WriteString(strings.TrimRight(text, "\n"))
	w.b.WriteByte('\n')
}

func (w *scriptWriter) banner(title string) {
	w.line("")
	w.line("# ============================================================")
	w.line("# %s", title)
	w.line("# ============================================================")
}

func (w *scriptWriter) String() string { return w.b.String() }

// shellQuote wraps s in single quotes so bash treats it as a literal.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// commentSafe flattens s so it cannot break out of a comment line.
func commentSafe(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

func writePreamble(w *scriptWriter, c Contract) {
	h := c.Header
	w.line("#!/bin/bash")
	w.line("#")
	w.line("# HFC Contract: %s", commentSafe(h.ContractID))
	w.line("# Template: %s v%s", commentSafe(h.TemplateSlug), commentSafe(h.TemplateVersion))
	w.line("# Generated: %s", commentSafe(h.CreatedAt))
	w.line("# Integrity Hash: %s", commentSafe(c.Proofs.IntegrityHash))
	if h.Description != "" {
		w.line("# Description: %s", commentSafe(h.Description))
	}
	w.line("#")
	w.line("# DO NOT MODIFY: this file is generated from a signed contract.")
	w.line("#")
	w.line("")
	w.line("set -euo pipefail")
	w.line("IFS=$'\\n\\t'")
	w.line("")
	w.line("export CONTRACT_ID=%s", shellQuote(h.ContractID))
	w.line("export TEMPLATE_SLUG=%s", shellQuote(h.TemplateSlug))
	w.line("export TEMPLATE_VERSION=%s", shellQuote(h.TemplateVersion))
	w.line("export HFC_VERSION=%s", shellQuote(h.HFCVersion))
	w.line("export INTEGRITY_HASH=%s", shellQuote(c.Proofs.IntegrityHash))
	w.line("")
	w.line(`LOG_DIR="${HFC_LOG_DIR:-%s}"`, LogDir)
	w.line(`LOG_FILE="${LOG_DIR}/${CONTRACT_ID}.log"`)
	w.line(`mkdir -p "$LOG_DIR" 2>/dev/null || true`)
	w.block(`
log_msg() {
  local level="$1" tag="$2" msg="$3"
  local timestamp
  timestamp="$(date -u +"%Y-%m-%dT%H:%M:%SZ")"
  local entry="[${timestamp}] [${level}] [${tag}] ${msg}"
  printf '%s\n' "$entry"
  printf '%s\n' "$entry" >> "$LOG_FILE" 2>/dev/null || true
}

log_gate()  { log_msg "GATE" "$1" "$2"; }
log_op()    { log_msg "OP" "$1" "$2"; }
log_error() { log_msg "ERROR" "$1" "$2"; }
log_warn()  { log_msg "WARN" "$1" "$2"; }
log_info()  { log_msg "INFO" "$1" "$2"; }

port_in_use() {
  local pattern=":$1 "
  if netstat -tuln 2>/dev/null | grep -- "$pattern" >/dev/null; then
    return 0
  fi
  if ss -tuln 2>/dev/null | grep -- "$pattern" >/dev/null; then
    return 0
  fi
  return 1
}
`)
	w.line("")
	w.line("log_info 'INIT' %s", shellQuote("Starting contract "+h.ContractID))
	w.line("log_info 'INIT' %s", shellQuote(fmt.Sprintf("Template: %s v%s", h.TemplateSlug, h.TemplateVersion)))
	w.line("log_info 'INIT' %s", shellQuote("Integrity hash: "+c.Proofs.IntegrityHash))
}

func gateCondition(g Gate) string {
	switch g.Operator {
	case OperatorExists:
		return fmt.Sprintf("[ -e %s ]", shellQuote(g.Target))
	case OperatorNotExists:
		return fmt.Sprintf("[ ! -e %s ]", shellQuote(g.Target))
	case OperatorEquals:
		return fmt.Sprintf("[ %s = %s ]", shellQuote(g.Target), shellQuote(g.Expected))
	case OperatorNotEquals:
		return fmt.Sprintf("[ %s != %s ]", shellQuote(g.Target), shellQuote(g.Expected))
	case OperatorContains:
		return fmt.Sprintf("printf '%%s' %s | grep -F -- %s >/dev/null", shellQuote(g.Target), shellQuote(g.Expected))
	case OperatorCommandOK:
		if strings.TrimSpace(g.Command) == "" {
			return "true"
		}
		return g.Command
	case OperatorCommandFail:
		if strings.TrimSpace(g.Command) == "" {
			return "! false"
		}
		return "! { " + g.Command + "\n}"
	case OperatorEnvSet:
		return fmt.Sprintf(`[ -n "${%s:-}" ]`, g.Target)
	case OperatorPortFree:
		return "! port_in_use " + g.Target
	case OperatorPortUsed:
		return "port_in_use " + g.Target
	}
	return "false"
}

func writeGates(w *scriptWriter, gates []Gate) {
	if len(gates) == 0 {
		return
	}
	w.banner("GATES")
	for _, g := range gates {
		msg := g.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("Gate %s failed", g.ID)
		}
		desc := g.Description
		if desc == "" {
			desc = string(g.Operator) + " " + g.Target
		}
		w.line("")
		w.line("# [GATE] %s: %s", commentSafe(g.ID), commentSafe(desc))
		w.line("log_gate %s %s", shellQuote(g.ID), shellQuote("Checking: "+desc))
		cond := gateCondition(g)
		switch g.OnFailure {
		case OnFailureSkip:
			flag := g.FlagName()
			w.line("%s=0", flag)
			w.line("if (")
			w.raw(cond)
			w.line("); then")
			w.indent++
			w.line("%s=1", flag)
			w.line("log_gate %s 'PASSED'", shellQuote(g.ID))
			w.indent--
			w.line("else")
			w.indent++
			w.line("log_warn 'GATE_SKIPPED' %s", shellQuote(msg))
			w.indent--
			w.line("fi")
		case OnFailureWarn:
			w.line("if ! (")
			w.raw(cond)
			w.line("); then")
			w.indent++
			w.line("log_warn 'GATE_WARNING' %s", shellQuote(msg))
			w.indent--
			w.line("else")
			w.indent++
			w.line("log_gate %s 'PASSED'", shellQuote(g.ID))
			w.indent--
			w.line("fi")
		default:
			w.line("if ! (")
			w.raw(cond)
			w.line("); then")
			w.indent++
			w.line("log_error 'GATE_FAILED' %s", shellQuote(msg))
			w.line("exit 1")
			w.indent--
			w.line("fi")
			w.line("log_gate %s 'PASSED'", shellQuote(g.ID))
		}
	}
}

func writeBom(w *scriptWriter, items []BomItem) {
	if len(items) == 0 {
		return
	}
	w.banner("BOM")
	for _, item := range items {
		path := shellQuote(item.Path)
		desc := item.Description
		if desc == "" {
			desc = item.Path
		}
		w.line("")
		w.line("# [BOM] %s: %s", commentSafe(item.ID), commentSafe(desc))
		if item.IsDirectory() {
			w.line("log_op %s %s", shellQuote(item.ID), shellQuote("Creating directory "+item.Path))
			w.line("mkdir -p -- %s", path)
			w.line("chmod %s %s", item.Mode, path)
			if item.Owner != "" {
				w.line("chown %s %s", shellQuote(item.Owner), path)
			}
			w.line("log_op %s %s", shellQuote(item.ID), shellQuote("Created directory "+item.Path+" successfully"))
			continue
		}
		encoded := item.Content
		if item.IsBase64 {
			encoded = stripWhitespace(encoded)
		} else {
			encoded = base64.StdEncoding.EncodeToString([]byte(item.Content))
		}
		w.line("log_op %s %s", shellQuote(item.ID), shellQuote("Deploying file "+item.Path))
		if item.CreateParents {
			w.line(`mkdir -p -- "$(dirname -- %s)"`, path)
		}
		w.line("printf '%%s' '%s' | base64 -d > %s", encoded, path)
		w.line("chmod %s %s", item.Mode, path)
		if item.Owner != "" {
			w.line("chown %s %s", shellQuote(item.Owner), path)
		}
		w.line("log_op %s %s", shellQuote(item.ID), shellQuote("Deployed file "+item.Path+" successfully"))
	}
}

// sortedOperations orders by Order; equal orders keep declaration order.
func sortedOperations(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func writeOperations(w *scriptWriter, ops []Operation) {
	if len(ops) == 0 {
		return
	}
	w.banner("OPERATIONS")
	for _, op := range sortedOperations(ops) {
		desc := op.Description
		if desc == "" {
			desc = op.ID
		}
		id := shellQuote(op.ID)
		w.line("")
		w.line("# [OP:%d] %s: %s", op.Order, commentSafe(op.ID), commentSafe(desc))
		w.line("log_op %s %s", id, shellQuote("Starting: "+desc))
		if op.RequiresGate != "" {
			w.line(`if [ "${%s:-0}" != "1" ]; then`, GateFlagName(op.RequiresGate))
			w.indent++
			w.line("log_warn %s %s", id, shellQuote("Skipped due to gate "+op.RequiresGate))
			w.indent--
			w.line("else")
			w.indent++
			writeOperationBody(w, op)
			w.indent--
			w.line("fi")
		} else {
			writeOperationBody(w, op)
		}
		success := op.SuccessMessage
		if success == "" {
			success = "Completed successfully"
		}
		w.line("log_op %s %s", id, shellQuote(success))
	}
}

func writeOperationBody(w *scriptWriter, op Operation) {
	id := shellQuote(op.ID)
	if op.Workdir != "" {
		w.line("pushd %s > /dev/null", shellQuote(op.Workdir))
	}
	keys := make([]string, 0, len(op.Env))
	for k := range op.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.line("export %s=%s", k, shellQuote(op.Env[k]))
	}

	command := op.Command
	if op.Timeout > 0 {
		command = fmt.Sprintf("timeout %d bash -c %s", op.Timeout, shellQuote(op.Command))
	}

	failure := func(defaultError, defaultIgnore string) {
		if op.IgnoreErrors {
			msg := op.FailureMessage
			if msg == "" {
				msg = defaultIgnore
			}
			w.line("log_warn %s %s", id, shellQuote(msg))
			return
		}
		msg := op.FailureMessage
		if msg == "" {
			msg = defaultError
		}
		w.line("log_error %s %s", id, shellQuote(msg))
		w.line("exit 1")
	}

	if op.Retries > 1 {
		delay := op.RetryDelay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		w.line("RETRY_COUNT=0")
		w.line("MAX_RETRIES=%d", op.Retries)
		w.line(`while [ "$RETRY_COUNT" -lt "$MAX_RETRIES" ]; do`)
		w.indent++
		w.line("if {")
		w.raw(command)
		w.line("}; then")
		w.indent++
		w.line("break")
		w.indent--
		w.line("fi")
		w.line("RETRY_COUNT=$((RETRY_COUNT + 1))")
		w.line(`if [ "$RETRY_COUNT" -lt "$MAX_RETRIES" ]; then`)
		w.indent++
		w.line(`log_warn %s "Retry ${RETRY_COUNT}/${MAX_RETRIES} in %ds..."`, id, delay)
		w.line("sleep %d", delay)
		w.indent--
		w.line("else")
		w.indent++
		failure("Operation failed after retries", "Operation failed but continuing")
		w.indent--
		w.line("fi")
		w.indent--
		w.line("done")
	} else {
		w.line("if ! {")
		w.raw(command)
		w.line("}; then")
		w.indent++
		failure("Operation failed", "Command failed but ignoring")
		w.indent--
		w.line("fi")
	}

	if op.Workdir != "" {
		w.line("popd > /dev/null")
	}
}

func writeFooter(w *scriptWriter, c Contract) {
	w.banner("COMPLETION")
	w.line("")
	w.line("log_info 'COMPLETE' %s", shellQuote("Contract "+c.Header.ContractID+" executed successfully"))
	w.line("log_info 'COMPLETE' %s", shellQuote("Gates: "+strconv.Itoa(len(c.Gates))+", BOM items: "+
		strconv.Itoa(len(c.Bom))+", operations: "+strconv.Itoa(len(c.Operations))))
	w.line("exit 0")
}
