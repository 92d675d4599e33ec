package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/vitalplan/vitalplan/internal/plan"
)

// deniedCommands are never run regardless of how the script was approved.
var deniedCommands = map[string]bool{
	"rm":       true,
	"dd":       true,
	"mkfs":     true,
	"shutdown": true,
	"reboot":   true,
	"sudo":     true,
}

// ScriptExecutor runs shell one-liners attached to script tasks. Commands
// are parsed before execution; scripts that fail to parse or that invoke a
// denied command never reach the shell.
type ScriptExecutor struct {
	workDir string
	timeout time.Duration
}

func NewScriptExecutor(workDir string, timeout time.Duration) *ScriptExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ScriptExecutor{workDir: workDir, timeout: timeout}
}

func (e *ScriptExecutor) AgentType() string {
	return plan.AgentScript
}

func (e *ScriptExecutor) Execute(ctx context.Context, task *plan.Task) (*Result, error) {
	params := task.Params.Script
	if params == nil || params.Command == "" {
		return nil, fmt.Errorf("task %s has no script command", task.ID)
	}

	if err := validateCommand(params.Command); err != nil {
		return nil, fmt.Errorf("script rejected: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", params.Command)
	cmd.Dir = e.workDir
	cmd.Env = os.Environ()
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	slog.InfoContext(ctx, "running script task", "task_id", task.ID, "command", params.Command)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("script failed: %w: %s", err, strings.TrimSpace(out.String()))
	}

	return &Result{Success: true, Detail: strings.TrimSpace(out.String())}, nil
}

// validateCommand parses the script and walks every call expression,
// rejecting scripts whose first word resolves to a denied command.
func validateCommand(command string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	prog, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	var denied string
	syntax.Walk(prog, func(node syntax.Node) bool {
		if denied != "" {
			return false
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		if name := literalWord(call.Args[0]); deniedCommands[name] {
			denied = name
			return false
		}
		return true
	})
	if denied != "" {
		return fmt.Errorf("command %q is not allowed", denied)
	}
	return nil
}

func literalWord(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		lit, ok := part.(*syntax.Lit)
		if !ok {
			return ""
		}
		b.WriteString(lit.Value)
	}
	return b.String()
}
