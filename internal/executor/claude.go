package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
	"gopkg.in/yaml.v3"

	"github.com/vitalplan/vitalplan/internal/plan"
)

// approvalSentinel is emitted by an agent when it decides mid-run that a
// human must sign off before it continues.
const approvalSentinel = "NEEDS_APPROVAL"

// ClaudeExecutor runs a task by delegating it to a Claude agent with an
// agent-type-specific system prompt.
type ClaudeExecutor struct {
	agentType    string
	systemPrompt string
	timeout      time.Duration
}

func NewClaudeExecutor(agentType, systemPrompt string, timeout time.Duration) *ClaudeExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ClaudeExecutor{
		agentType:    agentType,
		systemPrompt: systemPrompt,
		timeout:      timeout,
	}
}

// NewCalendarExecutor builds the executor for calendar scheduling tasks.
func NewCalendarExecutor(timeout time.Duration) *ClaudeExecutor {
	return NewClaudeExecutor(plan.AgentCalendar,
		"You are a calendar agent. Schedule the described event and report what was booked. "+
			"If the request conflicts with existing commitments, respond with "+approvalSentinel+".",
		timeout)
}

// NewShoppingExecutor builds the executor for shopping tasks.
func NewShoppingExecutor(timeout time.Duration) *ClaudeExecutor {
	return NewClaudeExecutor(plan.AgentShopping,
		"You are a shopping agent. Prepare the described order and report the cart contents. "+
			"Do not place orders yourself; if payment would be required, respond with "+approvalSentinel+".",
		timeout)
}

// NewSupplementExecutor builds the executor for supplement adjustment tasks.
func NewSupplementExecutor(timeout time.Duration) *ClaudeExecutor {
	return NewClaudeExecutor(plan.AgentSupplement,
		"You are a supplement agent. Update the supplement protocol as described and report "+
			"the change. Dose increases always require sign-off; respond with "+approvalSentinel+" for those.",
		timeout)
}

func (e *ClaudeExecutor) AgentType() string {
	return e.agentType
}

func (e *ClaudeExecutor) Execute(ctx context.Context, task *plan.Task) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	maxTurns := 3
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt: e.systemPrompt,
		MaxTurns:     &maxTurns,
	}

	prompt := buildTaskPrompt(task)
	slog.InfoContext(ctx, "running agent task", "task_id", task.ID, "agent_type", e.agentType)

	result, err := claudeagent.RunQuerySync(runCtx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("agent query: %w", err)
	}
	if result.Result == nil {
		return nil, fmt.Errorf("agent returned no result")
	}
	if result.Result.IsError {
		return nil, fmt.Errorf("agent error: %s", result.Result.Result)
	}

	output := strings.TrimSpace(result.Result.Result)
	if strings.Contains(output, approvalSentinel) {
		return &Result{AwaitingApproval: true, Detail: output}, nil
	}
	return &Result{Success: true, Detail: output}, nil
}

func buildTaskPrompt(task *plan.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Description)
	}
	if paramsYAML, err := yaml.Marshal(task.Params); err == nil {
		fmt.Fprintf(&b, "Parameters:\n%s", paramsYAML)
	}
	return b.String()
}
