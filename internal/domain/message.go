package domain

import (
	"fmt"
	"time"
)

// PlatformID names one of the supported chat platforms.
type PlatformID string

const (
	WhatsApp  PlatformID = "whatsapp"
	Telegram  PlatformID = "telegram"
	Instagram PlatformID = "instagram"
	Messenger PlatformID = "messenger"
)

// AllPlatforms returns every supported platform in a fixed order.
func AllPlatforms() []PlatformID {
	return []PlatformID{WhatsApp, Telegram, Instagram, Messenger}
}

// ParsePlatform validates s against the supported platform set.
func ParsePlatform(s string) (PlatformID, error) {
	for _, p := range AllPlatforms() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeMedia MessageType = "media"
	TypeFile  MessageType = "file"
	TypeVoice MessageType = "voice"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// ParseDeliveryStatus maps a platform status string onto the closed set.
// Anything else (e.g. WhatsApp's "accepted") reports false.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch st := DeliveryStatus(s); st {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible from s.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

type Attachment struct {
	Type string `json:"type"` // image | video | audio | document
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is the canonical representation of one chat message on any platform.
// ID is only unique within Platform.
type Message struct {
	ID          string         `json:"id"`
	Platform    PlatformID     `json:"platform"`
	ContactID   string         `json:"contactId"`
	Direction   Direction      `json:"direction"`
	Content     string         `json:"content"`
	Type        MessageType    `json:"type,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      DeliveryStatus `json:"status,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// MessageKey is the global identity of a message.
type MessageKey struct {
	Platform PlatformID
	ID       string
}

func (k MessageKey) String() string { return string(k.Platform) + ":" + k.ID }

// ContactKey is the global identity of a contact.
type ContactKey struct {
	Platform PlatformID
	ID       string
}

func (k ContactKey) String() string { return string(k.Platform) + ":" + k.ID }

func (m Message) Key() MessageKey { return MessageKey{Platform: m.Platform, ID: m.ID} }

func (m Message) ContactKey() ContactKey { return ContactKey{Platform: m.Platform, ID: m.ContactID} }

type Contact struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	AvatarRef   string     `json:"avatarRef,omitempty"`
	Platform    PlatformID `json:"platform"`
	IsOnline    bool       `json:"isOnline,omitempty"`
	LastSeenAt  time.Time  `json:"lastSeenAt,omitzero"`
}

func (c Contact) Key() ContactKey { return ContactKey{Platform: c.Platform, ID: c.ID} }

// Receipt is a delivery or read acknowledgement for an outbound message.
// Either RemoteID names one message, or Watermark covers every message to
// ContactID sent at or before it.
type Receipt struct {
	Platform  PlatformID
	RemoteID  string
	ContactID string
	Status    DeliveryStatus
	Watermark time.Time
}

// StatusChange records one applied delivery status transition.
type StatusChange struct {
	Message  MessageKey
	RemoteID string
	From     DeliveryStatus
	To       DeliveryStatus
	At       time.Time
}
