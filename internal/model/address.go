package model

import (
	"fmt"
	"strings"
)

// ID is an opaque, globally unique identifier.
type ID string

// RefModel names the kind of resource a notification or access record concerns.
type RefModel uint8

const (
	RefModelUnknown RefModel = iota
	RefModelEvents
	RefModelPlans
	RefModelPings
	RefModelUsers
	RefModelTags
)

var refModelNames = map[RefModel]string{
	RefModelEvents: "events",
	RefModelPlans:  "plans",
	RefModelPings:  "pings",
	RefModelUsers:  "users",
	RefModelTags:   "tags",
}

// RefModels lists every routable resource kind.
func RefModels() []RefModel {
	return []RefModel{RefModelEvents, RefModelPlans, RefModelPings, RefModelUsers, RefModelTags}
}

func (m RefModel) String() string {
	if name, ok := refModelNames[m]; ok {
		return name
	}
	return "unknown"
}

func (m RefModel) Valid() bool {
	_, ok := refModelNames[m]
	return ok
}

// ParseRefModel converts the wire name ("events", "plans", ...) to a RefModel.
func ParseRefModel(s string) (RefModel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range refModelNames {
		if name == s {
			return m, nil
		}
	}
	return RefModelUnknown, fmt.Errorf("unknown ref model %q", s)
}

func (m RefModel) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid ref model %d", m)
	}
	return []byte(m.String()), nil
}

func (m *RefModel) UnmarshalText(b []byte) error {
	parsed, err := ParseRefModel(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// TriggerKey names the kind of change a notification carries. It doubles as
// the event name delivered to websocket clients.
type TriggerKey string

const (
	KeyNotification  TriggerKey = "notification"
	KeyMessageAdd    TriggerKey = "message:add"
	KeyMessageEdit   TriggerKey = "message:edit"
	KeyMessageDelete TriggerKey = "message:delete"
	KeyPlanAdd       TriggerKey = "plan:add"
	KeyPlanEdit      TriggerKey = "plan:edit"
	KeyPlanDelete    TriggerKey = "plan:delete"
	KeyPingAdd       TriggerKey = "ping:add"
	KeyPingEdit      TriggerKey = "ping:edit"
	KeyPingDelete    TriggerKey = "ping:delete"
	KeyEventEdit     TriggerKey = "event:edit"
	KeyEventDelete   TriggerKey = "event:delete"
	KeyTagEdit       TriggerKey = "tag:edit"
	KeyAccessEdit    TriggerKey = "access:edit"
)

var knownKeys = map[TriggerKey]struct{}{
	KeyNotification: {}, KeyMessageAdd: {}, KeyMessageEdit: {}, KeyMessageDelete: {},
	KeyPlanAdd: {}, KeyPlanEdit: {}, KeyPlanDelete: {},
	KeyPingAdd: {}, KeyPingEdit: {}, KeyPingDelete: {},
	KeyEventEdit: {}, KeyEventDelete: {}, KeyTagEdit: {}, KeyAccessEdit: {},
}

func (k TriggerKey) Valid() bool {
	_, ok := knownKeys[k]
	return ok
}

// EventKeys are the keys an "event:join" subscribes to in one step.
func EventKeys() []TriggerKey {
	return []TriggerKey{
		KeyNotification,
		KeyMessageAdd, KeyMessageEdit, KeyMessageDelete,
		KeyPlanAdd, KeyPlanEdit, KeyPlanDelete,
		KeyEventEdit, KeyEventDelete, KeyAccessEdit,
	}
}

// TriggerAddress is the unit of subscription and routing. It is comparable
// and is used directly as a map key.
type TriggerAddress struct {
	Key      TriggerKey `json:"key"`
	RefModel RefModel   `json:"refModel"`
	Ref      ID         `json:"ref"`
}

func NewAddress(key TriggerKey, refModel RefModel, ref ID) TriggerAddress {
	return TriggerAddress{Key: key, RefModel: refModel, Ref: ref}
}

func (a TriggerAddress) Valid() bool {
	return a.Key.Valid() && a.RefModel.Valid() && a.Ref != ""
}

// Resource returns the (refModel, ref) pair the address concerns.
func (a TriggerAddress) Resource() Resource {
	return Resource{RefModel: a.RefModel, Ref: a.Ref}
}

func (a TriggerAddress) String() string {
	return fmt.Sprintf("%s/%s/%s", a.Key, a.RefModel, a.Ref)
}

// Resource identifies any entity that can be the subject of a notification.
type Resource struct {
	RefModel RefModel `json:"refModel"`
	Ref      ID       `json:"ref"`
}

func (r Resource) String() string {
	return fmt.Sprintf("%s/%s", r.RefModel, r.Ref)
}
