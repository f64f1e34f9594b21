package access

import (
	"context"
	"fmt"

	"github.com/dukerupert/eventful/internal/model"
)

// Index is the shared resource index maintained by the CRUD layer.
type Index interface {
	Get(ctx context.Context, refModel model.RefModel, ref model.ID) (*model.ResourceInfo, error)
	Participants(ctx context.Context, refModel model.RefModel, ref model.ID) ([]model.ID, error)
}

type indexKind struct {
	idx      Index
	refModel model.RefModel
}

func (k indexKind) Lookup(ctx context.Context, ref model.ID) (*model.ResourceInfo, error) {
	return k.idx.Get(ctx, k.refModel, ref)
}

// IndexKinds builds a kind table where every listed resource kind is
// resolved through idx. With no models given, all kinds are registered.
func IndexKinds(idx Index, models ...model.RefModel) map[model.RefModel]Kind {
	if len(models) == 0 {
		models = model.RefModels()
	}
	kinds := make(map[model.RefModel]Kind, len(models))
	for _, m := range models {
		kinds[m] = indexKind{idx: idx, refModel: m}
	}
	return kinds
}

// RecordLister lists every Access record of a resource.
type RecordLister interface {
	ListByResource(ctx context.Context, refModel model.RefModel, ref model.ID) ([]model.Access, error)
}

// Audience computes the users who could plausibly care about a change to a
// resource: the owner, the participants and every non-removed record holder.
// Candidates still have to pass capability resolution.
type Audience struct {
	index   Index
	records RecordLister
}

func NewAudience(idx Index, records RecordLister) *Audience {
	return &Audience{index: idx, records: records}
}

func (a *Audience) Candidates(ctx context.Context, res model.Resource) ([]model.ID, error) {
	info, err := a.index.Get(ctx, res.RefModel, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("candidates of %s: %w", res, err)
	}
	if info == nil {
		return nil, fmt.Errorf("candidates of %s: %w", res, ErrNotFound)
	}
	participants, err := a.index.Participants(ctx, res.RefModel, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("candidates of %s: %w", res, err)
	}
	records, err := a.records.ListByResource(ctx, res.RefModel, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("candidates of %s: %w", res, err)
	}

	seen := make(map[model.ID]struct{}, len(participants)+len(records)+1)
	out := make([]model.ID, 0, len(participants)+len(records)+1)
	add := func(id model.ID) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(info.OwnerID)
	for _, p := range participants {
		add(p)
	}
	for _, r := range records {
		if !r.IsRemoved {
			add(r.UserID)
		}
	}
	return out, nil
}
