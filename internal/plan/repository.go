package plan

import "context"

type Repository interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context, userID string, status Status, limit, offset int) ([]*Plan, int, error)
	Update(ctx context.Context, p *Plan) error
	Delete(ctx context.Context, id string) error

	// Task links are written once at plan creation and updated on approval
	// changes. They are stored per plan.
	SaveLinks(ctx context.Context, planID string, links []*TaskLink) error
	GetLinks(ctx context.Context, planID string) ([]*TaskLink, error)
}
