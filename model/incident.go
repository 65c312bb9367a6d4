package model

import (
	"strconv"
	"time"
)

type (
	IncidentStatus   int
	IncidentPriority int
	IncidentCategory int
)

const (
	IncidentOpen       IncidentStatus = 1
	IncidentInProgress IncidentStatus = 2
	IncidentResolved   IncidentStatus = 3
	IncidentClosed     IncidentStatus = 4
)

const (
	PriorityLow      IncidentPriority = 1
	PriorityMedium   IncidentPriority = 2
	PriorityHigh     IncidentPriority = 3
	PriorityCritical IncidentPriority = 4
)

const (
	CategoryPackage  IncidentCategory = 1
	CategoryDelivery IncidentCategory = 2
	CategoryPayment  IncidentCategory = 3
	CategoryOther    IncidentCategory = 4
)

// Incident is a reported delivery problem.
type Incident struct {
	Id              int
	Title           string
	Description     string
	Status          IncidentStatus
	Priority        IncidentPriority
	Category        IncidentCategory
	DateTime        time.Time
	ShipmentCode    string
	AssigneeId      string     `json:",omitempty"`
	CreatedById     string     `json:",omitempty"`
	ResolutionNotes string     `json:",omitempty"`
	ResolvedAt      *time.Time `json:",omitempty"`
}

func (i Incident) GetKey() int {
	return i.Id
}

func (i Incident) GetTimestamp() time.Time {
	return i.DateTime
}

// Incidents is the Incident entity descriptor.
var Incidents = Entity[int, Incident]{
	Name:     "Incidents",
	ParseKey: ParseIntKey,
	WithKey: func(i Incident, key int) Incident {
		i.Id = key
		return i
	},
	Normalize: normalizeIncident,
	Visible: func(s Session, i Incident) bool {
		return VisibleTo(s, i.AssigneeId, i.CreatedById)
	},
	SearchFields: func(i Incident) []string {
		return []string{i.Title, i.Description, i.AssigneeId}
	},
	Field: func(i Incident, name string) (string, bool) {
		switch name {
		case "status":
			return strconv.Itoa(int(i.Status)), true
		case "priority":
			return strconv.Itoa(int(i.Priority)), true
		case "category":
			return strconv.Itoa(int(i.Category)), true
		case "shipment":
			return i.ShipmentCode, true
		case "assignee":
			return i.AssigneeId, true
		}
		return "", false
	},
}

func normalizeIncident(i Incident, now time.Time) Incident {
	if i.DateTime.IsZero() {
		i.DateTime = now
	}
	i.DateTime = i.DateTime.UTC()

	if i.Status < IncidentOpen || i.Status > IncidentClosed {
		i.Status = IncidentOpen
	}
	if i.Priority < PriorityLow || i.Priority > PriorityCritical {
		i.Priority = PriorityMedium
	}
	if i.Category < CategoryPackage || i.Category > CategoryOther {
		i.Category = CategoryPackage
	}

	if i.ResolvedAt != nil {
		resolvedAt := i.ResolvedAt.UTC()
		i.ResolvedAt = &resolvedAt
	}

	return i
}
