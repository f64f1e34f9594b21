package model

import (
	"fmt"
	"time"
)

// Channel is the push transport a device token belongs to.
type Channel string

const (
	ChannelWeb     Channel = "web"
	ChannelAndroid Channel = "android"
	ChannelIOS     Channel = "ios"
	ChannelExpo    Channel = "expo"
)

func Channels() []Channel {
	return []Channel{ChannelWeb, ChannelAndroid, ChannelIOS, ChannelExpo}
}

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelWeb, ChannelAndroid, ChannelIOS, ChannelExpo:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown push channel %q", s)
}

// DeviceToken binds one push endpoint to exactly one user. For web push the
// token is the subscription endpoint and the keys are required.
type DeviceToken struct {
	ID         ID        `json:"id"`
	Token      string    `json:"token"`
	Channel    Channel   `json:"channel"`
	UserID     ID        `json:"user"`
	P256dhKey  string    `json:"p256dh,omitempty"`
	AuthKey    string    `json:"auth,omitempty"`
	DeviceName string    `json:"deviceName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// General is the display envelope of a notification.
type General struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	URL      string `json:"url,omitempty"`
	// List marks the notification for the in-app notification list.
	List bool `json:"list,omitempty"`
	// Store asks for a durable copy per receiving user.
	Store bool `json:"store,omitempty"`
}

// Notification is the payload routed to sessions and pushed to devices. ID
// is an idempotency key: a retry carrying the same ID is pushed again only to
// users whose earlier push ended in a transient failure.
type Notification struct {
	ID      ID             `json:"id,omitempty"`
	Address TriggerAddress `json:"address"`
	Actor   ID             `json:"actor,omitempty"`
	General *General       `json:"general,omitempty"`
	Data    any            `json:"data,omitempty"`
}

// StoredNotification is the durable copy kept for one receiving user.
type StoredNotification struct {
	ID        ID             `json:"id"`
	UserID    ID             `json:"user"`
	Address   TriggerAddress `json:"address"`
	Actor     ID             `json:"actor,omitempty"`
	General   General        `json:"general"`
	CreatedAt time.Time      `json:"createdAt"`
}
