package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/internal/planner"
	"github.com/vitalplan/vitalplan/pkg/cerr"
	"github.com/vitalplan/vitalplan/pkg/panicerr"
)

// Server exposes the coordinator over JSON HTTP.
type Server struct {
	coordinator *Coordinator
}

func NewServer(c *Coordinator) *Server {
	return &Server{coordinator: c}
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/plans", func(r chi.Router) {
		r.Post("/", s.createPlan)
		r.Get("/", s.listPlans)
		r.Route("/{planID}", func(r chi.Router) {
			r.Get("/", s.getPlan)
			r.Post("/execute", s.executePlan)
			r.Post("/approve", s.approveAll)
			r.Post("/cancel", s.cancelPlan)
			r.Post("/pause", s.pausePlan)
			r.Post("/tasks/{taskID}/approve", s.approveTask)
		})
	})
}

type createPlanRequest struct {
	UserID   string               `json:"user_id"`
	Insights []planner.Insight    `json:"insights"`
	Draft    *planner.Draft       `json:"draft,omitempty"`
	Approval *plan.ApprovalConfig `json:"approval,omitempty"`
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	if req.UserID == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "user_id is required", nil)
		return
	}

	var (
		p   *plan.Plan
		err error
	)
	if req.Draft != nil {
		p, err = s.coordinator.CreatePlanFromDraft(ctx, req.UserID, req.Insights, req.Draft, req.Approval)
	} else {
		p, err = s.coordinator.CreatePlan(ctx, req.UserID, req.Insights, req.Approval)
	}
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.coordinator.GetPlan(ctx, chi.URLParam(r, "planID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

type listPlansResponse struct {
	Plans []*plan.Plan `json:"plans"`
	Total int          `json:"total"`
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	plans, total, err := s.coordinator.ListPlans(ctx, q.Get("user_id"), plan.Status(q.Get("status")), limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, listPlansResponse{Plans: plans, Total: total})
}

// executePlan kicks off the execution walk in the background and returns
// the plan in its executing state. Progress is observable via getPlan and
// push notifications.
func (s *Server) executePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	planID := chi.URLParam(r, "planID")

	p, err := s.coordinator.GetPlan(ctx, planID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	switch p.Status {
	case plan.StatusApproved, plan.StatusAwaitingApproval, plan.StatusPaused:
	default:
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "plan cannot be executed in status "+string(p.Status), nil)
		return
	}

	panicerr.Go(context.WithoutCancel(ctx), "execute plan "+planID, func(ctx context.Context) error {
		_, err := s.coordinator.Execute(ctx, planID)
		return err
	})
	cerr.SetJSONResponse(ctx, map[string]string{"plan_id": planID, "status": "execution_started"})
}

type approveTaskRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := approveTaskRequest{Approve: true}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
			return
		}
	}
	p, err := s.coordinator.ApproveTask(ctx, chi.URLParam(r, "planID"), chi.URLParam(r, "taskID"), req.Approve)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (s *Server) approveAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.coordinator.ApproveAllTasks(ctx, chi.URLParam(r, "planID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (s *Server) cancelPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.coordinator.Cancel(ctx, chi.URLParam(r, "planID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (s *Server) pausePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.coordinator.Pause(ctx, chi.URLParam(r, "planID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}
