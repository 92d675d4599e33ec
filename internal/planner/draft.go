package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/pkg/cerr"
)

var validRiskLevels = map[string]bool{
	string(plan.RiskLow):    true,
	string(plan.RiskMedium): true,
	string(plan.RiskHigh):   true,
}

var validAgentTypes = map[string]bool{
	plan.AgentCalendar:   true,
	plan.AgentShopping:   true,
	plan.AgentSupplement: true,
	plan.AgentScript:     true,
}

// ParseDraft decodes a JSON plan draft. Model output sometimes wraps the
// JSON in a markdown code fence, so strip one before decoding.
func ParseDraft(raw string) (*Draft, error) {
	text := strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	var draft Draft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "planner returned malformed draft", err)
	}
	if err := ValidateDraft(&draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

// ValidateDraft checks structural validity before the draft is turned
// into tasks. Dependency indices must reference earlier or later tasks
// within the slice bounds and never the task itself.
func ValidateDraft(draft *Draft) error {
	if draft.Title == "" {
		return cerr.NewError(cerr.InvalidArgument, "draft is missing a title", nil)
	}
	if len(draft.Tasks) == 0 {
		return cerr.NewError(cerr.InvalidArgument, "draft contains no tasks", nil)
	}
	for i, t := range draft.Tasks {
		if !validAgentTypes[t.AgentType] {
			return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("task %d has unknown agent type %q", i, t.AgentType), nil)
		}
		if t.Title == "" {
			return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("task %d is missing a title", i), nil)
		}
		if !validRiskLevels[t.RiskLevel] {
			return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("task %d has unknown risk level %q", i, t.RiskLevel), nil)
		}
		for _, dep := range t.DependsOn {
			if dep < 0 || dep >= len(draft.Tasks) {
				return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("task %d depends on out-of-range index %d", i, dep), nil)
			}
			if dep == i {
				return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("task %d depends on itself", i), nil)
			}
		}
	}
	return nil
}
