package commands

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/parcel-sync/bus"
	"github.com/itiky/parcel-sync/model"
	"github.com/itiky/parcel-sync/remote"
	"github.com/itiky/parcel-sync/storage"
)

var (
	testNow   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	adminSess = model.Session{UserId: "a1", Role: model.AdminRole}
	userSess  = model.Session{UserId: "u1", Role: model.UserRole}
)

// failingCreates fails every conditional create.
type failingCreates struct {
	*remote.Collection[int, model.Notification]
	err error
}

func (f failingCreates) Create(ctx context.Context, key int, value model.Notification) error {
	return f.err
}

// failingWrites fails the writes of a single key.
type failingWrites struct {
	*remote.Collection[int, model.Notification]
	key int
	err error
}

func (f failingWrites) Write(ctx context.Context, key int, value model.Notification) error {
	if key == f.key {
		return f.err
	}

	return f.Collection.Write(ctx, key, value)
}

type testEnv struct {
	remotes Remotes
	echoes  Echoes
	// Echoed events
	incidentEvents     []model.ChangeEvent[int, model.Incident]
	shipmentEvents     []model.ChangeEvent[string, model.Shipment]
	notificationEvents []model.ChangeEvent[int, model.Notification]
}

func newTestEnv(t *testing.T) *testEnv {
	docs := remote.NewMemStore()
	incidents, err := remote.NewCollection(model.Incidents, docs, nil)
	require.NoError(t, err)
	shipments, err := remote.NewCollection(model.Shipments, docs, nil)
	require.NoError(t, err)
	notifications, err := remote.NewCollection(model.Notifications, docs, nil)
	require.NoError(t, err)

	env := &testEnv{
		remotes: Remotes{
			Incidents:     incidents,
			Shipments:     shipments,
			Notifications: notifications,
		},
		echoes: Echoes{
			Incidents:     bus.New[model.ChangeEvent[int, model.Incident]](nil),
			Shipments:     bus.New[model.ChangeEvent[string, model.Shipment]](nil),
			Notifications: bus.New[model.ChangeEvent[int, model.Notification]](nil),
		},
	}
	env.echoes.Incidents.Subscribe(func(ev model.ChangeEvent[int, model.Incident]) {
		env.incidentEvents = append(env.incidentEvents, ev)
	})
	env.echoes.Shipments.Subscribe(func(ev model.ChangeEvent[string, model.Shipment]) {
		env.shipmentEvents = append(env.shipmentEvents, ev)
	})
	env.echoes.Notifications.Subscribe(func(ev model.ChangeEvent[int, model.Notification]) {
		env.notificationEvents = append(env.notificationEvents, ev)
	})

	return env
}

func (e *testEnv) service(t *testing.T, session model.Session) *Service {
	svc, err := New(e.remotes, e.echoes, session,
		WithClock(func() time.Time { return testNow }),
		WithTrackingCodes(storage.NewTrackingCodePolicy(func() time.Time { return testNow }, 1)),
	)
	require.NoError(t, err)

	return svc
}

func (e *testEnv) seedShipment(t *testing.T, s model.Shipment) {
	require.NoError(t, e.remotes.Shipments.Write(context.Background(), s.Code, s))
}

func (e *testEnv) notifications(t *testing.T) []model.Notification {
	all, err := e.remotes.Notifications.BulkFetch(context.Background())
	require.NoError(t, err)

	list := make([]model.Notification, 0, len(all))
	for _, n := range all {
		list = append(list, n)
	}

	return list
}

func Test_Service_CreateIncident(t *testing.T) {
	ctx := context.Background()

	t.Run("linked shipment", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedShipment(t, model.Shipment{Code: "SHP-1", Sender: &model.User{Id: "u1"}, ReceiverName: "r"})
		svc := env.service(t, adminSess)

		res, err := svc.CreateIncident(ctx, model.Incident{Title: "  leak  ", ShipmentCode: "SHP-1"})
		require.NoError(t, err)
		require.Empty(t, res.Warnings)
		require.Equal(t, 1, res.Key)

		incident, found, err := env.remotes.Incidents.FetchOne(ctx, 1)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "leak", incident.Title)
		require.Equal(t, "a1", incident.CreatedById)
		require.Equal(t, testNow, incident.DateTime)
		require.Equal(t, model.IncidentOpen, incident.Status)

		shipment, _, err := env.remotes.Shipments.FetchOne(ctx, "SHP-1")
		require.NoError(t, err)
		require.Equal(t, model.ShipmentIncident, shipment.Status)
		require.Equal(t, 1, shipment.IncidentId)

		notifications := env.notifications(t)
		require.Len(t, notifications, 1)
		require.Equal(t, model.IncidentCreatedNotification, notifications[0].Type)
		require.Equal(t, "u1", notifications[0].RecipientUserId)
		require.Equal(t, 1, notifications[0].IncidentId)
		require.False(t, notifications[0].IsRead)

		// Local echoes
		require.Len(t, env.incidentEvents, 1)
		require.Equal(t, model.LocalOrigin, env.incidentEvents[0].Origin)
		require.Equal(t, 1, env.incidentEvents[0].Key)
		require.Len(t, env.shipmentEvents, 1)
		require.Len(t, env.notificationEvents, 1)
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.service(t, adminSess)

		_, err := svc.CreateIncident(ctx, model.Incident{Title: "   "})
		require.ErrorIs(t, err, ErrInvalid)
		require.Empty(t, env.incidentEvents)
	})

	t.Run("missing shipment is a warning", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.service(t, userSess)

		res, err := svc.CreateIncident(ctx, model.Incident{Title: "lost", ShipmentCode: "SHP-404"})
		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		require.ErrorIs(t, res.Warnings[0], ErrNotFound)
		require.Len(t, env.incidentEvents, 1)
	})

	t.Run("notification failure is a warning", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedShipment(t, model.Shipment{Code: "SHP-1", Sender: &model.User{Id: "u1"}, ReceiverName: "r"})
		failure := errors.New("quota")
		env.remotes.Notifications = failingCreates{
			Collection: env.remotes.Notifications.(*remote.Collection[int, model.Notification]),
			err:        failure,
		}
		svc := env.service(t, adminSess)

		res, err := svc.CreateIncident(ctx, model.Incident{Title: "leak", ShipmentCode: "SHP-1"})
		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		require.ErrorIs(t, res.Warnings[0], failure)

		_, found, err := env.remotes.Incidents.FetchOne(ctx, res.Key)
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("keys are sequential", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.service(t, adminSess)

		for i := 1; i <= 3; i++ {
			res, err := svc.CreateIncident(ctx, model.Incident{Title: "again"})
			require.NoError(t, err)
			require.Equal(t, i, res.Key)
		}
	})
}

func Test_Service_UpdateIncident(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc := env.service(t, adminSess)

	res, err := svc.CreateIncident(ctx, model.Incident{Title: "leak"})
	require.NoError(t, err)

	update := model.Incident{
		Id:          res.Key,
		Title:       "leak fixed",
		Status:      model.IncidentResolved,
		CreatedById: "someone else",
	}
	_, err = svc.UpdateIncident(ctx, update)
	require.NoError(t, err)

	stored, _, err := env.remotes.Incidents.FetchOne(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, "leak fixed", stored.Title)
	require.Equal(t, "a1", stored.CreatedById)
	require.Equal(t, testNow, stored.DateTime)
	require.NotNil(t, stored.ResolvedAt)
	require.Equal(t, testNow, *stored.ResolvedAt)

	_, err = svc.UpdateIncident(ctx, model.Incident{Id: 42, Title: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.UpdateIncident(ctx, model.Incident{Title: "no id"})
	require.ErrorIs(t, err, ErrInvalid)

	require.Len(t, env.incidentEvents, 2)

	// Only sessions that see the incident can change it
	_, err = env.service(t, userSess).UpdateIncident(ctx, model.Incident{Id: res.Key, Title: "hijack"})
	require.ErrorIs(t, err, ErrForbidden)
	require.Len(t, env.incidentEvents, 2)

	assigned, err := svc.UpdateIncident(ctx, model.Incident{Id: res.Key, Title: "leak fixed", AssigneeId: "w1"})
	require.NoError(t, err)
	_, err = env.service(t, model.Session{UserId: "w1", Role: model.WorkerRole}).UpdateIncident(ctx, model.Incident{Id: assigned.Key, Title: "checked", AssigneeId: "w1"})
	require.NoError(t, err)

	stored, _, err = env.remotes.Incidents.FetchOne(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, "checked", stored.Title)
	require.Equal(t, "a1", stored.CreatedById)
}

func Test_Service_DeleteIncident(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc := env.service(t, adminSess)

	res, err := svc.CreateIncident(ctx, model.Incident{Title: "leak"})
	require.NoError(t, err)

	_, err = env.service(t, userSess).DeleteIncident(ctx, res.Key)
	require.ErrorIs(t, err, ErrForbidden)
	require.Len(t, env.incidentEvents, 1)

	_, err = svc.DeleteIncident(ctx, res.Key)
	require.NoError(t, err)

	_, found, err := env.remotes.Incidents.FetchOne(ctx, res.Key)
	require.NoError(t, err)
	require.False(t, found)

	require.Len(t, env.incidentEvents, 2)
	require.Equal(t, model.DeleteOperationType, env.incidentEvents[1].Type)
	require.Equal(t, res.Key, env.incidentEvents[1].Key)
}

func Test_Service_Shipments(t *testing.T) {
	ctx := context.Background()
	codeRe := regexp.MustCompile(`^SHP-20250301-[A-HJ-NP-Z2-9]{6}$`)

	t.Run("create", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.service(t, userSess)

		_, err := svc.CreateShipment(ctx, model.Shipment{})
		require.ErrorIs(t, err, ErrInvalid)

		res, err := svc.CreateShipment(ctx, model.Shipment{ReceiverName: "Ana", Origin: "Puebla", Destination: "Mérida"})
		require.NoError(t, err)
		require.Regexp(t, codeRe, res.Key)
		require.Empty(t, res.Warnings)

		shipment, found, err := env.remotes.Shipments.FetchOne(ctx, res.Key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "u1", shipment.SenderId())
		require.Equal(t, model.ShipmentSent, shipment.Status)
		require.Equal(t, testNow, shipment.CreatedDate)
		require.Empty(t, env.notifications(t))
	})

	t.Run("create assigned", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.service(t, adminSess)

		res, err := svc.CreateShipment(ctx, model.Shipment{ReceiverName: "Ana", Worker: &model.User{Id: "w1"}})
		require.NoError(t, err)

		notifications := env.notifications(t)
		require.Len(t, notifications, 1)
		require.Equal(t, model.ShipmentAssignedNotification, notifications[0].Type)
		require.Equal(t, "w1", notifications[0].RecipientUserId)
		require.Equal(t, res.Key, notifications[0].ShipmentCode)
	})

	t.Run("assign worker", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedShipment(t, model.Shipment{Code: "SHP-1", Sender: &model.User{Id: "u1"}, ReceiverName: "r"})

		_, err := env.service(t, userSess).AssignWorker(ctx, "SHP-1", model.User{Id: "w1"})
		require.ErrorIs(t, err, ErrForbidden)

		svc := env.service(t, adminSess)
		_, err = svc.AssignWorker(ctx, "SHP-404", model.User{Id: "w1"})
		require.ErrorIs(t, err, ErrNotFound)

		res, err := svc.AssignWorker(ctx, "SHP-1", model.User{Id: "w1", Name: "worker"})
		require.NoError(t, err)
		require.Empty(t, res.Warnings)

		shipment, _, err := env.remotes.Shipments.FetchOne(ctx, "SHP-1")
		require.NoError(t, err)
		require.Equal(t, "w1", shipment.WorkerId())
		require.Equal(t, model.WorkerRole, shipment.Worker.Role)
		require.Equal(t, model.ShipmentInTransit, shipment.Status)

		notifications := env.notifications(t)
		require.Len(t, notifications, 1)
		require.Equal(t, "w1", notifications[0].RecipientUserId)
	})

	t.Run("deliver", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedShipment(t, model.Shipment{
			Code:         "SHP-1",
			Sender:       &model.User{Id: "u1"},
			Worker:       &model.User{Id: "w1", Role: model.WorkerRole},
			ReceiverName: "Ana",
			Status:       model.ShipmentInTransit,
		})

		// The sender and other workers can't deliver
		for _, sess := range []model.Session{userSess, {UserId: "w2", Role: model.WorkerRole}} {
			_, err := env.service(t, sess).MarkDelivered(ctx, "SHP-1")
			require.ErrorIs(t, err, ErrForbidden)
		}
		require.Empty(t, env.shipmentEvents)

		svc := env.service(t, model.Session{UserId: "w1", Role: model.WorkerRole})
		_, err := svc.MarkDelivered(ctx, "SHP-1")
		require.NoError(t, err)

		shipment, _, err := env.remotes.Shipments.FetchOne(ctx, "SHP-1")
		require.NoError(t, err)
		require.Equal(t, model.ShipmentDelivered, shipment.Status)

		notifications := env.notifications(t)
		require.Len(t, notifications, 1)
		require.Equal(t, "u1", notifications[0].RecipientUserId)
		require.Contains(t, notifications[0].Message, "Ana")
	})

	t.Run("delete", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedShipment(t, model.Shipment{Code: "SHP-1", ReceiverName: "r"})

		_, err := env.service(t, userSess).DeleteShipment(ctx, "SHP-1")
		require.ErrorIs(t, err, ErrForbidden)

		_, err = env.service(t, adminSess).DeleteShipment(ctx, "SHP-1")
		require.NoError(t, err)

		_, found, err := env.remotes.Shipments.FetchOne(ctx, "SHP-1")
		require.NoError(t, err)
		require.False(t, found)
		require.Equal(t, model.DeleteOperationType, env.shipmentEvents[len(env.shipmentEvents)-1].Type)
	})
}

func Test_Service_MarkNotificationRead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.remotes.Notifications.Write(ctx, 3, model.Notification{Title: "hi", RecipientUserId: "u1"}))
	svc := env.service(t, userSess)

	_, err := svc.MarkNotificationRead(ctx, 3)
	require.NoError(t, err)
	n, _, err := env.remotes.Notifications.FetchOne(ctx, 3)
	require.NoError(t, err)
	require.True(t, n.IsRead)
	require.Len(t, env.notificationEvents, 1)

	// Already read: nothing is written
	_, err = svc.MarkNotificationRead(ctx, 3)
	require.NoError(t, err)
	require.Len(t, env.notificationEvents, 1)

	_, err = svc.MarkNotificationRead(ctx, 4)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, env.remotes.Notifications.Write(ctx, 5, model.Notification{Title: "other", RecipientUserId: "u2"}))
	_, err = svc.MarkNotificationRead(ctx, 5)
	require.ErrorIs(t, err, ErrForbidden)
	require.Len(t, env.notificationEvents, 1)
}

func Test_Service_MarkAllNotificationsRead(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, env *testEnv) {
		for id, n := range map[int]model.Notification{
			1: {Title: "one", RecipientUserId: "u1"},
			2: {Title: "two", RecipientUserId: "u1", IsRead: true},
			3: {Title: "three", RecipientUserId: "u1"},
			4: {Title: "four", RecipientUserId: "u2"},
			5: {Title: "five", RecipientUserId: "u1"},
		} {
			require.NoError(t, env.remotes.Notifications.Write(ctx, id, n))
		}
	}

	t.Run("session notifications only", func(t *testing.T) {
		env := newTestEnv(t)
		seed(t, env)

		res, err := env.service(t, userSess).MarkAllNotificationsRead(ctx)
		require.NoError(t, err)
		require.Empty(t, res.Warnings)
		require.Equal(t, []int{1, 3, 5}, res.Keys)

		for _, n := range env.notifications(t) {
			require.Equal(t, n.RecipientUserId == "u1", n.IsRead, "notification %d", n.Id)
		}

		require.Len(t, env.notificationEvents, 3)
		for i, ev := range env.notificationEvents {
			require.Equal(t, model.LocalOrigin, ev.Origin)
			require.Equal(t, res.Keys[i], ev.Key)
			require.True(t, ev.Value.IsRead)
		}

		// Nothing left to mark
		res, err = env.service(t, userSess).MarkAllNotificationsRead(ctx)
		require.NoError(t, err)
		require.Empty(t, res.Keys)
		require.Len(t, env.notificationEvents, 3)
	})

	t.Run("failed write is a warning", func(t *testing.T) {
		env := newTestEnv(t)
		seed(t, env)
		failure := errors.New("offline")
		env.remotes.Notifications = failingWrites{
			Collection: env.remotes.Notifications.(*remote.Collection[int, model.Notification]),
			key:        3,
			err:        failure,
		}

		res, err := env.service(t, userSess).MarkAllNotificationsRead(ctx)
		require.NoError(t, err)
		require.Equal(t, []int{1, 5}, res.Keys)
		require.Len(t, res.Warnings, 1)
		require.ErrorIs(t, res.Warnings[0], failure)

		// No echo for the failed one
		require.Len(t, env.notificationEvents, 2)
		n, _, err := env.remotes.Notifications.FetchOne(ctx, 3)
		require.NoError(t, err)
		require.False(t, n.IsRead)
	})
}

func Test_Service_DeleteNotification(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.remotes.Notifications.Write(ctx, 1, model.Notification{Title: "mine", RecipientUserId: "u1"}))
	require.NoError(t, env.remotes.Notifications.Write(ctx, 2, model.Notification{Title: "theirs", RecipientUserId: "u2"}))
	svc := env.service(t, userSess)

	_, err := svc.DeleteNotification(ctx, 0)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = svc.DeleteNotification(ctx, 2)
	require.ErrorIs(t, err, ErrForbidden)
	require.Empty(t, env.notificationEvents)

	res, err := svc.DeleteNotification(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Key)

	_, found, err := env.remotes.Notifications.FetchOne(ctx, 1)
	require.NoError(t, err)
	require.False(t, found)
	require.Len(t, env.notificationEvents, 1)
	require.Equal(t, model.DeleteOperationType, env.notificationEvents[0].Type)
	require.Equal(t, model.LocalOrigin, env.notificationEvents[0].Origin)
	require.Equal(t, 1, env.notificationEvents[0].Key)

	// Already gone: nothing to do
	_, err = svc.DeleteNotification(ctx, 1)
	require.NoError(t, err)
	require.Len(t, env.notificationEvents, 1)

	// Admins see every notification
	_, err = env.service(t, adminSess).DeleteNotification(ctx, 2)
	require.NoError(t, err)
	require.Len(t, env.notificationEvents, 2)
}

func Test_New(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(Remotes{}, env.echoes, adminSess)
	require.Error(t, err)

	_, err = New(env.remotes, env.echoes, model.Session{})
	require.Error(t, err)

	// Echo buses are optional
	svc, err := New(env.remotes, Echoes{}, adminSess)
	require.NoError(t, err)
	_, err = svc.CreateIncident(context.Background(), model.Incident{Title: "quiet"})
	require.NoError(t, err)
}
