package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/pkg/cerr"
	"github.com/vitalplan/vitalplan/pkg/storage"
)

const (
	plansPrefix = "plans"
	linksPrefix = "tasklinks"
)

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func planPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", plansPrefix, id)
}

func linksPath(planID string) string {
	return fmt.Sprintf("%s/%s.yaml", linksPrefix, planID)
}

func (r *YAMLRepository) Create(ctx context.Context, p *plan.Plan) error {
	exists, err := r.storage.Exists(ctx, planPath(p.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("plan", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "plan already exists", nil)
	}
	return r.write(ctx, p)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*plan.Plan, error) {
	data, err := r.storage.Read(ctx, planPath(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("plan", err)
	}
	var p plan.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal plan: %w", err))
	}
	return &p, nil
}

func (r *YAMLRepository) List(ctx context.Context, userID string, status plan.Status, limit, offset int) ([]*plan.Plan, int, error) {
	paths, err := r.storage.List(ctx, plansPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("plans", err)
	}

	sort.Strings(paths)

	var all []*plan.Plan
	for _, path := range paths {
		data, err := r.storage.Read(ctx, path)
		if err != nil {
			continue
		}
		var p plan.Plan
		if err := yaml.Unmarshal(data, &p); err != nil {
			continue
		}
		if userID != "" && p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		all = append(all, &p)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *YAMLRepository) Update(ctx context.Context, p *plan.Plan) error {
	exists, err := r.storage.Exists(ctx, planPath(p.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("plan", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "plan not found", nil)
	}
	return r.write(ctx, p)
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, planPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("plan", err)
	}
	// Links are best-effort: a plan without links is consistent.
	if exists, err := r.storage.Exists(ctx, linksPath(id)); err == nil && exists {
		_ = r.storage.Delete(ctx, linksPath(id))
	}
	return nil
}

func (r *YAMLRepository) SaveLinks(ctx context.Context, planID string, links []*plan.TaskLink) error {
	data, err := yaml.Marshal(links)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task links: %w", err))
	}
	if err := r.storage.Write(ctx, linksPath(planID), data); err != nil {
		return cerr.WrapStorageWriteError("task links", err)
	}
	return nil
}

func (r *YAMLRepository) GetLinks(ctx context.Context, planID string) ([]*plan.TaskLink, error) {
	data, err := r.storage.Read(ctx, linksPath(planID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task links", err)
	}
	var links []*plan.TaskLink
	if err := yaml.Unmarshal(data, &links); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task links: %w", err))
	}
	return links, nil
}

func (r *YAMLRepository) write(ctx context.Context, p *plan.Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal plan: %w", err))
	}
	if err := r.storage.Write(ctx, planPath(p.ID), data); err != nil {
		return cerr.WrapStorageWriteError("plan", err)
	}
	return nil
}
