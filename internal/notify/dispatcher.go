package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vitalplan/vitalplan/internal/eventbus"
	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/pkg/panicerr"
)

// Dispatcher listens for plan lifecycle events and turns them into push
// notifications. Plans that opted out of completion notifications only get
// approval requests.
type Dispatcher struct {
	bus    *eventbus.Bus
	sender *Sender
	repo   plan.Repository
}

func NewDispatcher(bus *eventbus.Bus, sender *Sender, repo plan.Repository) *Dispatcher {
	return &Dispatcher{bus: bus, sender: sender, repo: repo}
}

// Start subscribes to the event bus and dispatches until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	subID, events := d.bus.Subscribe(64)
	panicerr.Go(ctx, "notification dispatcher", func(ctx context.Context) error {
		defer d.bus.Unsubscribe(subID)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				d.handle(ctx, ev)
			}
		}
	})
}

func (d *Dispatcher) handle(ctx context.Context, ev *eventbus.Event) {
	p, err := d.repo.Get(ctx, ev.PlanID)
	if err != nil {
		slog.Warn("notification dispatch: plan lookup failed", "plan_id", ev.PlanID, "error", err)
		return
	}

	var payload *Payload
	switch ev.Type {
	case eventbus.TypeApprovalRequested:
		payload = &Payload{
			Title: "Approval needed",
			Body:  fmt.Sprintf("Plan %q is waiting for your approval", p.Title),
			URL:   "/plans/" + p.ID,
			Tag:   "approval-" + p.ID,
		}
	case eventbus.TypePlanCompleted:
		if !p.Approval.NotifyOnCompletion {
			return
		}
		payload = &Payload{
			Title: "Plan finished",
			Body:  fmt.Sprintf("Plan %q finished with status %s (%d%%)", p.Title, p.Status, p.OverallProgress),
			URL:   "/plans/" + p.ID,
			Tag:   "completed-" + p.ID,
		}
	case eventbus.TypeTaskFailed:
		if !p.Approval.NotifyOnCompletion {
			return
		}
		payload = &Payload{
			Title: "Task failed",
			Body:  fmt.Sprintf("A task in plan %q failed; the rest of the plan continues", p.Title),
			URL:   "/plans/" + p.ID,
			Tag:   "failed-" + ev.TaskID,
		}
	default:
		return
	}

	d.sender.SendToUser(ctx, p.UserID, payload)
}
