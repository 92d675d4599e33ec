package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/vitalplan/vitalplan/internal/client"
	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/internal/planner"
)

var (
	app    = kingpin.New("vitalplan", "Health plan orchestration client")
	server = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("VITALPLAN_SERVER").String()
	apiKey = app.Flag("api-key", "API key").Envar("VITALPLAN_API_KEY").String()
	user   = app.Flag("user", "User ID").Envar("VITALPLAN_USER").String()

	createCmd     = app.Command("create", "Create a plan from insights")
	createInsight = createCmd.Arg("insight", "Insight in kind:summary form").Required().Strings()

	listCmd    = app.Command("list", "List plans")
	listStatus = listCmd.Flag("status", "Filter by status").String()

	showCmd = app.Command("show", "Show plan details")
	showID  = showCmd.Arg("id", "Plan ID").Required().String()

	executeCmd = app.Command("execute", "Start executing a plan")
	executeID  = executeCmd.Arg("id", "Plan ID").Required().String()

	approveCmd    = app.Command("approve", "Approve pending tasks")
	approveID     = approveCmd.Arg("id", "Plan ID").Required().String()
	approveTaskID = approveCmd.Flag("task", "Approve only this task").String()
	approveReject = approveCmd.Flag("reject", "Reject instead of approve").Bool()

	cancelCmd = app.Command("cancel", "Cancel a plan")
	cancelID  = cancelCmd.Arg("id", "Plan ID").Required().String()

	pauseCmd = app.Command("pause", "Pause an executing plan")
	pauseID  = pauseCmd.Arg("id", "Plan ID").Required().String()
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
	dimColor    = color.New(color.Faint)
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	ctx := context.Background()
	c := client.NewPlanClient(*server, *apiKey)

	var err error
	switch command {
	case createCmd.FullCommand():
		err = handleCreate(ctx, c, *createInsight)
	case listCmd.FullCommand():
		err = handleList(ctx, c, *listStatus)
	case showCmd.FullCommand():
		err = handleShow(ctx, c, *showID)
	case executeCmd.FullCommand():
		err = handleExecute(ctx, c, *executeID)
	case approveCmd.FullCommand():
		err = handleApprove(ctx, c, *approveID, *approveTaskID, !*approveReject)
	case cancelCmd.FullCommand():
		err = handleCancel(ctx, c, *cancelID)
	case pauseCmd.FullCommand():
		err = handlePause(ctx, c, *pauseID)
	}
	if err != nil {
		errColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleCreate(ctx context.Context, c *client.PlanClient, rawInsights []string) error {
	insights := make([]planner.Insight, 0, len(rawInsights))
	for _, raw := range rawInsights {
		kind, summary := splitInsight(raw)
		insights = append(insights, planner.Insight{Kind: kind, Summary: summary})
	}
	p, err := c.CreatePlan(ctx, &client.CreatePlanRequest{UserID: *user, Insights: insights})
	if err != nil {
		return err
	}
	okColor.Printf("Created plan %s (%s)\n", p.ID, p.Status)
	printPlan(p)
	return nil
}

func splitInsight(raw string) (kind, summary string) {
	for i, r := range raw {
		if r == ':' {
			return raw[:i], raw[i+1:]
		}
	}
	return "observation", raw
}

func handleList(ctx context.Context, c *client.PlanClient, status string) error {
	resp, err := c.ListPlans(ctx, *user, status)
	if err != nil {
		return err
	}
	if len(resp.Plans) == 0 {
		dimColor.Println("No plans found")
		return nil
	}
	for _, p := range resp.Plans {
		fmt.Printf("%s  %-20s  %s  %d%%\n", p.ID, statusColored(p.Status), p.Title, p.OverallProgress)
	}
	dimColor.Printf("%d plan(s)\n", resp.Total)
	return nil
}

func handleShow(ctx context.Context, c *client.PlanClient, id string) error {
	p, err := c.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	printPlan(p)
	return nil
}

func handleExecute(ctx context.Context, c *client.PlanClient, id string) error {
	if err := c.ExecutePlan(ctx, id); err != nil {
		return err
	}
	okColor.Printf("Execution started for plan %s\n", id)
	return nil
}

func handleApprove(ctx context.Context, c *client.PlanClient, planID, taskID string, approve bool) error {
	var (
		p   *plan.Plan
		err error
	)
	if taskID != "" {
		p, err = c.ApproveTask(ctx, planID, taskID, approve)
	} else if !approve {
		return fmt.Errorf("--reject requires --task")
	} else {
		p, err = c.ApproveAll(ctx, planID)
	}
	if err != nil {
		return err
	}
	okColor.Printf("Plan %s is now %s\n", p.ID, p.Status)
	return nil
}

func handleCancel(ctx context.Context, c *client.PlanClient, id string) error {
	p, err := c.CancelPlan(ctx, id)
	if err != nil {
		return err
	}
	warnColor.Printf("Plan %s cancelled\n", p.ID)
	return nil
}

func handlePause(ctx context.Context, c *client.PlanClient, id string) error {
	p, err := c.PausePlan(ctx, id)
	if err != nil {
		return err
	}
	warnColor.Printf("Plan %s paused\n", p.ID)
	return nil
}

func printPlan(p *plan.Plan) {
	headerColor.Printf("%s\n", p.Title)
	if p.Description != "" {
		fmt.Println(p.Description)
	}
	fmt.Printf("Status: %s  Progress: %d%%\n", statusColored(p.Status), p.OverallProgress)
	fmt.Println("Tasks:")
	for _, id := range p.ExecutionOrder {
		t := p.Task(id)
		if t == nil {
			continue
		}
		marker := " "
		switch {
		case p.IsCompleted(id):
			marker = okColor.Sprint("✓")
		case p.IsFailed(id):
			marker = errColor.Sprint("✗")
		case p.IsBlocked(id):
			marker = warnColor.Sprint("!")
		}
		fmt.Printf("  %s %s [%s/%s] %s\n", marker, t.ID, t.AgentType, t.RiskLevel, t.Title)
		if t.ApprovalStatus == plan.ApprovalPending {
			warnColor.Printf("      awaiting approval\n")
		}
	}
}

func statusColored(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return okColor.Sprint(string(s))
	case plan.StatusFailed, plan.StatusCancelled:
		return errColor.Sprint(string(s))
	case plan.StatusAwaitingApproval, plan.StatusPaused, plan.StatusPartiallyCompleted:
		return warnColor.Sprint(string(s))
	default:
		return string(s)
	}
}
