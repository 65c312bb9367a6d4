package storage

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/itiky/parcel-sync/model"
)

var (
	mockTitles = []string{"leak", "damaged box", "wrong address", "late delivery", "payment refused", "missing label", "power outage at hub"}
	mockCities = []string{"Guadalajara", "Monterrey", "Puebla", "Querétaro", "Mérida", "Tijuana"}
)

// MockUsers holds generated user identities for every role.
type MockUsers struct {
	Admin   model.User
	Workers []model.User
	Users   []model.User
}

// NewMockUsers builds user identities with random ids.
func NewMockUsers(workers, users int) MockUsers {
	mu := MockUsers{
		Admin: newMockUser("admin", model.AdminRole),
	}
	for i := 0; i < workers; i++ {
		mu.Workers = append(mu.Workers, newMockUser(fmt.Sprintf("worker-%d", i+1), model.WorkerRole))
	}
	for i := 0; i < users; i++ {
		mu.Users = append(mu.Users, newMockUser(fmt.Sprintf("user-%d", i+1), model.UserRole))
	}

	return mu
}

func newMockUser(name string, role model.Role) model.User {
	return model.User{
		Id:    uuid.New().String(),
		Name:  name,
		Email: name + "@parcel.test",
		Role:  role,
	}
}

// NewMockShipments builds n shipments sent by random users, some assigned to random workers.
func NewMockShipments(rnd *rand.Rand, users MockUsers, n int, now time.Time) []model.Shipment {
	codes := NewTrackingCodePolicy(func() time.Time { return now }, rnd.Int63())

	objs := make([]model.Shipment, 0, n)
	for i := 0; i < n; i++ {
		sender := users.Users[rnd.Intn(len(users.Users))]
		s := model.Shipment{
			Code:         codes.newCode(),
			Sender:       &sender,
			ReceiverName: fmt.Sprintf("receiver %d", i+1),
			Origin:       mockCities[rnd.Intn(len(mockCities))],
			Destination:  mockCities[rnd.Intn(len(mockCities))],
			Description:  fmt.Sprintf("parcel #%d", i+1),
			Status:       model.ShipmentSent,
			CreatedDate:  now.Add(-time.Duration(rnd.Intn(30*24)) * time.Hour),
		}
		if len(users.Workers) > 0 && rnd.Intn(2) == 0 {
			worker := users.Workers[rnd.Intn(len(users.Workers))]
			s.Worker = &worker
			s.Status = model.ShipmentInTransit
		}
		objs = append(objs, s)
	}

	return objs
}

// NewMockIncidents builds n incidents (keys 1..n) for the shipments.
func NewMockIncidents(rnd *rand.Rand, shipments []model.Shipment, n int, now time.Time) []model.Incident {
	objs := make([]model.Incident, 0, n)
	for i := 0; i < n && len(shipments) > 0; i++ {
		shipment := shipments[rnd.Intn(len(shipments))]
		objs = append(objs, model.Incident{
			Id:           i + 1,
			Title:        mockTitles[rnd.Intn(len(mockTitles))],
			Description:  fmt.Sprintf("reported for %s", shipment.Code),
			Status:       model.IncidentStatus(rnd.Intn(4) + 1),
			Priority:     model.IncidentPriority(rnd.Intn(4) + 1),
			Category:     model.IncidentCategory(rnd.Intn(4) + 1),
			DateTime:     now.Add(-time.Duration(rnd.Intn(30*24*60)) * time.Minute),
			ShipmentCode: shipment.Code,
			AssigneeId:   shipment.WorkerId(),
			CreatedById:  shipment.SenderId(),
		})
	}

	return objs
}

// NewMockNotifications builds a "shipment created" notification (keys 1..n) per shipment sender.
func NewMockNotifications(rnd *rand.Rand, shipments []model.Shipment) []model.Notification {
	objs := make([]model.Notification, 0, len(shipments))
	for i, shipment := range shipments {
		objs = append(objs, model.Notification{
			Id:              i + 1,
			Type:            model.ShipmentCreatedNotification,
			Title:           "Shipment created",
			Message:         fmt.Sprintf("Shipment %s from %s to %s was created", shipment.Code, shipment.Origin, shipment.Destination),
			Timestamp:       shipment.CreatedDate,
			IsRead:          rnd.Intn(2) == 0,
			RecipientUserId: shipment.SenderId(),
			ShipmentCode:    shipment.Code,
		})
	}

	return objs
}

// newStorageMockObjs builds mock incidents keyed by id.
func newStorageMockObjs(n int, now time.Time) map[int]model.Incident {
	rnd := rand.New(rand.NewSource(now.UnixNano()))
	users := NewMockUsers(3, 10)
	shipments := NewMockShipments(rnd, users, 100, now)

	objs := make(map[int]model.Incident, n)
	for _, incident := range NewMockIncidents(rnd, shipments, n, now) {
		objs[incident.Id] = incident
	}

	return objs
}
