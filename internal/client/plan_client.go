package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/internal/planner"
)

// PlanClient talks to the vitalplan server's JSON API.
type PlanClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewPlanClient(baseURL, apiKey string) *PlanClient {
	return &PlanClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *PlanClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type CreatePlanRequest struct {
	UserID   string               `json:"user_id"`
	Insights []planner.Insight    `json:"insights,omitempty"`
	Draft    *planner.Draft       `json:"draft,omitempty"`
	Approval *plan.ApprovalConfig `json:"approval,omitempty"`
}

func (c *PlanClient) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*plan.Plan, error) {
	var p plan.Plan
	if err := c.do(ctx, http.MethodPost, "/api/plans/", req, &p); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return &p, nil
}

func (c *PlanClient) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	var p plan.Plan
	if err := c.do(ctx, http.MethodGet, "/api/plans/"+id+"/", nil, &p); err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

type ListPlansResponse struct {
	Plans []*plan.Plan `json:"plans"`
	Total int          `json:"total"`
}

func (c *PlanClient) ListPlans(ctx context.Context, userID string, status string) (*ListPlansResponse, error) {
	path := "/api/plans/?user_id=" + userID
	if status != "" {
		path += "&status=" + status
	}
	var resp ListPlansResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return &resp, nil
}

func (c *PlanClient) ExecutePlan(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/plans/"+id+"/execute", nil, nil); err != nil {
		return fmt.Errorf("failed to execute plan: %w", err)
	}
	return nil
}

func (c *PlanClient) ApproveTask(ctx context.Context, planID, taskID string, approve bool) (*plan.Plan, error) {
	var p plan.Plan
	body := map[string]bool{"approve": approve}
	if err := c.do(ctx, http.MethodPost, "/api/plans/"+planID+"/tasks/"+taskID+"/approve", body, &p); err != nil {
		return nil, fmt.Errorf("failed to approve task: %w", err)
	}
	return &p, nil
}

func (c *PlanClient) ApproveAll(ctx context.Context, planID string) (*plan.Plan, error) {
	var p plan.Plan
	if err := c.do(ctx, http.MethodPost, "/api/plans/"+planID+"/approve", nil, &p); err != nil {
		return nil, fmt.Errorf("failed to approve plan: %w", err)
	}
	return &p, nil
}

func (c *PlanClient) CancelPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var p plan.Plan
	if err := c.do(ctx, http.MethodPost, "/api/plans/"+planID+"/cancel", nil, &p); err != nil {
		return nil, fmt.Errorf("failed to cancel plan: %w", err)
	}
	return &p, nil
}

func (c *PlanClient) PausePlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var p plan.Plan
	if err := c.do(ctx, http.MethodPost, "/api/plans/"+planID+"/pause", nil, &p); err != nil {
		return nil, fmt.Errorf("failed to pause plan: %w", err)
	}
	return &p, nil
}
