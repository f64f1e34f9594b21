package model

import (
	"fmt"
	"time"
)

// Scope is the visibility a resource owner chose for the resource.
type Scope string

const (
	ScopeMe       Scope = "me"
	ScopePublic   Scope = "public"
	ScopeContacts Scope = "contacts"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeMe, ScopePublic, ScopeContacts:
		return Scope(s), nil
	case "":
		return ScopeMe, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Access grants one user capabilities over one resource. Records are never
// deleted; revocation sets IsRemoved.
type Access struct {
	ID          ID        `json:"id"`
	UserID      ID        `json:"user"`
	RefModel    RefModel  `json:"refModel"`
	Ref         ID        `json:"ref"`
	CanView     bool      `json:"canView"`
	CanEdit     bool      `json:"canEdit"`
	CanDelete   bool      `json:"canDelete"`
	CanModerate bool      `json:"canModerate"`
	IsInvited   bool      `json:"isInvited"`
	IsRemoved   bool      `json:"isRemoved"`
	CreatedBy   ID        `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Capabilities returns the effective set the record grants. A removed record
// grants nothing regardless of the stored flags.
func (a *Access) Capabilities() CapabilitySet {
	if a == nil || a.IsRemoved {
		return CapabilitySet{}
	}
	return CapabilitySet{
		CanView:     a.CanView,
		CanEdit:     a.CanEdit,
		CanDelete:   a.CanDelete,
		CanModerate: a.CanModerate,
		IsInvited:   a.IsInvited,
	}
}

// CapabilitySet is the effective permission set of a user over a resource.
type CapabilitySet struct {
	CanView     bool `json:"canView"`
	CanEdit     bool `json:"canEdit"`
	CanDelete   bool `json:"canDelete"`
	CanModerate bool `json:"canModerate"`
	IsInvited   bool `json:"isInvited"`
	IsRemoved   bool `json:"isRemoved"`
}

// AllCapabilities is what a resource owner holds.
func AllCapabilities() CapabilitySet {
	return CapabilitySet{CanView: true, CanEdit: true, CanDelete: true, CanModerate: true}
}

// Grant is a partial update applied by Grant calls. Nil fields keep their
// stored value (false on a new record).
type Grant struct {
	CanView     *bool `json:"canView,omitempty"`
	CanEdit     *bool `json:"canEdit,omitempty"`
	CanDelete   *bool `json:"canDelete,omitempty"`
	CanModerate *bool `json:"canModerate,omitempty"`
}

// InviteLink grants access to a resource to whoever redeems it before
// ExpiresAt. Only a digest of the token is stored.
type InviteLink struct {
	ID          ID        `json:"id"`
	TokenDigest string    `json:"-"`
	RefModel    RefModel  `json:"refModel"`
	Ref         ID        `json:"ref"`
	CreatedBy   ID        `json:"createdBy"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExpiredAt reports whether the link can no longer be redeemed at now.
func (l *InviteLink) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ResourceInfo is the routing-relevant view of a resource kept in the
// resource index: who owns it and how visible it is.
type ResourceInfo struct {
	Resource
	OwnerID ID    `json:"owner"`
	Scope   Scope `json:"scope"`
}
