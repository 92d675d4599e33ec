package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vitalplan/vitalplan/internal/plan"
)

func scriptTask(command string, env map[string]string) *plan.Task {
	return &plan.Task{
		ID:        "task-1",
		AgentType: plan.AgentScript,
		Title:     "run script",
		Params: plan.Params{
			Script: &plan.ScriptParams{Command: command, Env: env},
		},
	}
}

func TestScriptExecutorRunsCommand(t *testing.T) {
	e := NewScriptExecutor(t.TempDir(), 10*time.Second)
	res, err := e.Execute(context.Background(), scriptTask("echo hello", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if res.Detail != "hello" {
		t.Errorf("detail = %q, want hello", res.Detail)
	}
}

func TestScriptExecutorInjectsEnv(t *testing.T) {
	e := NewScriptExecutor(t.TempDir(), 10*time.Second)
	res, err := e.Execute(context.Background(), scriptTask("echo $GREETING", map[string]string{"GREETING": "hi"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "hi" {
		t.Errorf("detail = %q, want hi", res.Detail)
	}
}

func TestScriptExecutorRejectsDeniedCommand(t *testing.T) {
	e := NewScriptExecutor(t.TempDir(), 10*time.Second)
	for _, command := range []string{
		"rm -rf /tmp/x",
		"echo ok && sudo reboot",
		"if true; then dd if=/dev/zero of=/dev/sda; fi",
	} {
		_, err := e.Execute(context.Background(), scriptTask(command, nil))
		if err == nil || !strings.Contains(err.Error(), "not allowed") {
			t.Errorf("Execute(%q) err = %v, want not allowed", command, err)
		}
	}
}

func TestScriptExecutorRejectsUnparsableScript(t *testing.T) {
	e := NewScriptExecutor(t.TempDir(), 10*time.Second)
	_, err := e.Execute(context.Background(), scriptTask("echo 'unterminated", nil))
	if err == nil || !strings.Contains(err.Error(), "script rejected") {
		t.Errorf("err = %v, want script rejected", err)
	}
}

func TestScriptExecutorRequiresCommand(t *testing.T) {
	e := NewScriptExecutor(t.TempDir(), 10*time.Second)
	_, err := e.Execute(context.Background(), &plan.Task{ID: "task-1", AgentType: plan.AgentScript})
	if err == nil {
		t.Error("expected error for missing command")
	}
}

func TestScriptExecutorFailureIncludesOutput(t *testing.T) {
	e := NewScriptExecutor(t.TempDir(), 10*time.Second)
	_, err := e.Execute(context.Background(), scriptTask("echo oops >&2; exit 3", nil))
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("err = %v, want to contain script output", err)
	}
}

func TestRegistryDispatch(t *testing.T) {
	script := NewScriptExecutor(t.TempDir(), time.Second)
	reg := NewRegistry(script)

	got, err := reg.For(plan.AgentScript)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if got != script {
		t.Error("registry returned wrong executor")
	}

	if _, err := reg.For(plan.AgentCalendar); err == nil {
		t.Error("expected error for unregistered agent type")
	}
}
