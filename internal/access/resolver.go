// Package access computes what a user may do with a resource and administers
// the Access records and invite links that feed that computation.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukerupert/eventful/internal/model"
)

var (
	// ErrNotFound means the resource (or invite) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the acting user lacks the capability. Callers must
	// present it the same way as ErrNotFound.
	ErrForbidden = errors.New("forbidden")
	// ErrExpiredInvite is returned when an invite link is redeemed at or
	// after its expiry.
	ErrExpiredInvite = errors.New("invite link expired")
	// ErrInviteRevoked is returned when the redeeming user's access was
	// revoked; an invite never overrides a removal.
	ErrInviteRevoked = errors.New("access revoked")
)

// Kind looks up ownership and visibility for one resource kind. Lookup
// returns nil, nil for a resource that does not exist.
type Kind interface {
	Lookup(ctx context.Context, ref model.ID) (*model.ResourceInfo, error)
}

// Records reads stored Access records.
type Records interface {
	Get(ctx context.Context, userID model.ID, refModel model.RefModel, ref model.ID) (*model.Access, error)
}

// Contacts answers whether userID is a contact of ownerID.
type Contacts interface {
	IsContactOf(ctx context.Context, userID, ownerID model.ID) (bool, error)
}

// Resolver computes effective capability sets. Each resource kind has its
// own Kind in the lookup table.
type Resolver struct {
	kinds    map[model.RefModel]Kind
	records  Records
	contacts Contacts
}

func NewResolver(records Records, contacts Contacts, kinds map[model.RefModel]Kind) *Resolver {
	table := make(map[model.RefModel]Kind, len(kinds))
	for m, k := range kinds {
		table[m] = k
	}
	return &Resolver{kinds: table, records: records, contacts: contacts}
}

// Lookup returns the index entry of a resource or ErrNotFound.
func (r *Resolver) Lookup(ctx context.Context, res model.Resource) (*model.ResourceInfo, error) {
	kind, ok := r.kinds[res.RefModel]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", res, ErrNotFound)
	}
	info, err := kind.Lookup(ctx, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", res, err)
	}
	if info == nil {
		return nil, fmt.Errorf("lookup %s: %w", res, ErrNotFound)
	}
	return info, nil
}

// Resolve returns the capabilities userID holds over (refModel, ref).
//
// Order: ownership grants everything; otherwise a stored record decides, and
// a removed record grants nothing whatever its flags say; otherwise the
// resource scope decides view access.
func (r *Resolver) Resolve(ctx context.Context, userID model.ID, refModel model.RefModel, ref model.ID) (model.CapabilitySet, error) {
	info, err := r.Lookup(ctx, model.Resource{RefModel: refModel, Ref: ref})
	if err != nil {
		return model.CapabilitySet{}, err
	}
	return r.resolve(ctx, userID, info)
}

func (r *Resolver) resolve(ctx context.Context, userID model.ID, info *model.ResourceInfo) (model.CapabilitySet, error) {
	if userID == "" {
		return model.CapabilitySet{}, nil
	}
	if info.OwnerID == userID {
		return model.AllCapabilities(), nil
	}

	rec, err := r.records.Get(ctx, userID, info.RefModel, info.Ref)
	if err != nil {
		return model.CapabilitySet{}, fmt.Errorf("resolve %s for %s: %w", info.Resource, userID, err)
	}
	if rec != nil {
		if rec.IsRemoved {
			return model.CapabilitySet{IsRemoved: true}, nil
		}
		return rec.Capabilities(), nil
	}

	switch info.Scope {
	case model.ScopePublic:
		return model.CapabilitySet{CanView: true}, nil
	case model.ScopeContacts:
		ok, err := r.contacts.IsContactOf(ctx, userID, info.OwnerID)
		if err != nil {
			return model.CapabilitySet{}, fmt.Errorf("resolve %s for %s: %w", info.Resource, userID, err)
		}
		return model.CapabilitySet{CanView: ok}, nil
	default:
		return model.CapabilitySet{}, nil
	}
}

// ResolveMany resolves the same resource for several users with a single
// resource lookup. A missing resource yields ErrNotFound.
func (r *Resolver) ResolveMany(ctx context.Context, users []model.ID, res model.Resource) (map[model.ID]model.CapabilitySet, error) {
	info, err := r.Lookup(ctx, res)
	if err != nil {
		return nil, err
	}
	out := make(map[model.ID]model.CapabilitySet, len(users))
	for _, uid := range users {
		if _, done := out[uid]; done {
			continue
		}
		caps, err := r.resolve(ctx, uid, info)
		if err != nil {
			return nil, err
		}
		out[uid] = caps
	}
	return out, nil
}

// CanView reports whether userID may see the resource. A missing resource is
// reported as false with no error.
func (r *Resolver) CanView(ctx context.Context, userID model.ID, res model.Resource) (bool, error) {
	caps, err := r.Resolve(ctx, userID, res.RefModel, res.Ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return caps.CanView, nil
}
