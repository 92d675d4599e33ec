package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/vitalplan/vitalplan/pkg/cerr"
)

const planSystemPrompt = `You are a health plan orchestrator. Given observations about a user's
health, produce an action plan as a JSON object and nothing else. The object has fields
"title", "description" and "tasks". Each task has "agentType" (one of calendar,
shopping, supplement, script), "title", "description", "params", "dependsOn"
(indices of tasks in the array this task depends on), "riskLevel" (low, medium or
high), "canRunParallel" and "estimatedMinutes". Respond with raw JSON only.`

// ClaudePlanner proposes plan drafts via the Claude agent SDK.
type ClaudePlanner struct {
	timeout time.Duration
}

func NewClaudePlanner(timeout time.Duration) *ClaudePlanner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ClaudePlanner{timeout: timeout}
}

func (p *ClaudePlanner) Propose(ctx context.Context, userID string, insights []Insight) (*Draft, error) {
	if len(insights) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "no insights to plan from", nil)
	}

	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	maxTurns := 1
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt: planSystemPrompt,
		MaxTurns:     &maxTurns,
	}

	prompt := buildPrompt(userID, insights)
	slog.DebugContext(ctx, "requesting plan draft", "user_id", userID, "insights", len(insights))

	result, err := claudeagent.RunQuerySync(queryCtx, prompt, opts)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "plan draft query failed", err)
	}
	if result.Result == nil {
		return nil, cerr.NewError(cerr.Internal, "plan draft query returned no result", nil)
	}
	if result.Result.IsError {
		return nil, cerr.NewError(cerr.Unavailable, fmt.Sprintf("planner error: %s", result.Result.Result), nil)
	}

	return ParseDraft(result.Result.Result)
}

func buildPrompt(userID string, insights []Insight) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Observations for user %s:\n", userID)
	for i, ins := range insights {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, ins.Kind, ins.Summary)
		if ins.Severity != "" {
			fmt.Fprintf(&b, " (severity: %s)", ins.Severity)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nProduce the JSON action plan.")
	return b.String()
}
