package model

import (
	"strconv"
	"time"
)

type NotificationType int

const (
	ShipmentCreatedNotification  NotificationType = 1
	IncidentCreatedNotification  NotificationType = 2
	ShipmentAssignedNotification NotificationType = 3
)

// Notification is a message addressed to a single user.
type Notification struct {
	Id              int
	Type            NotificationType
	Title           string
	Message         string
	Timestamp       time.Time
	IsRead          bool
	RecipientUserId string
	ShipmentCode    string `json:",omitempty"`
	IncidentId      int    `json:",omitempty"`
	DeepLink        string `json:",omitempty"`
}

func (n Notification) GetKey() int {
	return n.Id
}

func (n Notification) GetTimestamp() time.Time {
	return n.Timestamp
}

// Notifications is the Notification entity descriptor.
// Everyone but admins only sees the notifications addressed to them.
var Notifications = Entity[int, Notification]{
	Name:     "Notifications",
	ParseKey: ParseIntKey,
	WithKey: func(n Notification, key int) Notification {
		n.Id = key
		return n
	},
	Normalize: func(n Notification, now time.Time) Notification {
		if n.Timestamp.IsZero() {
			n.Timestamp = now
		}
		n.Timestamp = n.Timestamp.UTC()
		return n
	},
	Visible: func(s Session, n Notification) bool {
		if s.Role == AdminRole {
			return true
		}
		return n.RecipientUserId != "" && n.RecipientUserId == s.UserId
	},
	SearchFields: func(n Notification) []string {
		return []string{n.Title, n.Message}
	},
	Field: func(n Notification, name string) (string, bool) {
		switch name {
		case "read":
			return strconv.FormatBool(n.IsRead), true
		case "type":
			return strconv.Itoa(int(n.Type)), true
		case "shipment":
			return n.ShipmentCode, true
		}
		return "", false
	},
}
