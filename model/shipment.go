package model

import (
	"strconv"
	"strings"
	"time"
)

type ShipmentStatus int

const (
	ShipmentSent      ShipmentStatus = 1
	ShipmentInTransit ShipmentStatus = 2
	ShipmentDelivered ShipmentStatus = 3
	ShipmentCancelled ShipmentStatus = 4
	ShipmentIncident  ShipmentStatus = 5
)

type (
	// User is the embedded user profile snapshot.
	User struct {
		Id    string
		Name  string
		Email string
		Role  Role
	}

	// Shipment is a parcel keyed by its tracking code.
	Shipment struct {
		Code         string
		Sender       *User `json:",omitempty"`
		Worker       *User `json:",omitempty"`
		ReceiverName string
		Origin       string
		Destination  string
		Description  string
		Status       ShipmentStatus
		CreatedDate  time.Time
		IncidentId   int `json:",omitempty"`
	}
)

func (s Shipment) GetKey() string {
	return s.Code
}

func (s Shipment) GetTimestamp() time.Time {
	return s.CreatedDate
}

// SenderId returns the author id (empty if unknown).
func (s Shipment) SenderId() string {
	if s.Sender == nil {
		return ""
	}
	return s.Sender.Id
}

// WorkerId returns the assigned worker id (empty if unassigned).
func (s Shipment) WorkerId() string {
	if s.Worker == nil {
		return ""
	}
	return s.Worker.Id
}

// Shipments is the Shipment entity descriptor.
var Shipments = Entity[string, Shipment]{
	Name:     "Shipments",
	ParseKey: ParseStringKey,
	WithKey: func(s Shipment, key string) Shipment {
		s.Code = key
		return s
	},
	Normalize: func(s Shipment, now time.Time) Shipment {
		s.Code = strings.TrimSpace(s.Code)
		if s.CreatedDate.IsZero() {
			s.CreatedDate = now
		}
		s.CreatedDate = s.CreatedDate.UTC()
		if s.Status < ShipmentSent || s.Status > ShipmentIncident {
			s.Status = ShipmentSent
		}
		return s
	},
	Visible: func(sess Session, s Shipment) bool {
		return VisibleTo(sess, s.WorkerId(), s.SenderId())
	},
	SearchFields: func(s Shipment) []string {
		return []string{s.Code, s.ReceiverName, s.Description, s.Origin, s.Destination}
	},
	Field: func(s Shipment, name string) (string, bool) {
		switch name {
		case "status":
			return strconv.Itoa(int(s.Status)), true
		case "worker":
			return s.WorkerId(), true
		case "sender":
			return s.SenderId(), true
		}
		return "", false
	},
}
