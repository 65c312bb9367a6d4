// Package commands implements the save/delete handlers of the screens:
// the remote write comes first, then the optimistic local echo, then the secondary side effects.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/itiky/parcel-sync/bus"
	"github.com/itiky/parcel-sync/model"
	"github.com/itiky/parcel-sync/storage"
)

var (
	// ErrInvalid is returned when the input record fails validation (nothing is written).
	ErrInvalid = errors.New("invalid input")
	// ErrNotFound is returned when the record to update doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the session role can't run the command.
	ErrForbidden = errors.New("forbidden")
)

type (
	// Remotes groups the remote store collections.
	Remotes struct {
		Incidents     model.RemoteStore[int, model.Incident]
		Shipments     model.RemoteStore[string, model.Shipment]
		Notifications model.RemoteStore[int, model.Notification]
	}

	// Echoes groups the local echo buses (optional, a nil bus is skipped).
	Echoes struct {
		Incidents     *bus.Bus[model.ChangeEvent[int, model.Incident]]
		Shipments     *bus.Bus[model.ChangeEvent[string, model.Shipment]]
		Notifications *bus.Bus[model.ChangeEvent[int, model.Notification]]
	}

	// Result is a successful command outcome.
	// Warnings hold the secondary failures (linked record updates, notifications).
	Result[K model.Key] struct {
		Key      K
		Warnings []error
	}

	// BatchResult is the outcome of a command over many records.
	// Keys hold the records changed, Warnings the per record failures.
	BatchResult[K model.Key] struct {
		Keys     []K
		Warnings []error
	}

	// Service runs the commands on behalf of the session user.
	Service struct {
		remotes        Remotes
		echoes         Echoes
		session        model.Session
		trackingCodes  *storage.TrackingCodePolicy
		maxKeyAttempts int
		logger         *slog.Logger
		now            func() time.Time
	}
)

// CreateIncident writes a new incident under a free key.
// If it references a shipment, the shipment is flagged and its sender is notified.
func (s *Service) CreateIncident(ctx context.Context, in model.Incident) (Result[int], error) {
	res := Result[int]{}

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return res, fmt.Errorf("%w: %s: empty", ErrInvalid, "title")
	}
	if in.CreatedById == "" {
		in.CreatedById = s.session.UserId
	}
	in.DateTime = s.now()

	creator := storage.Creator[int, model.Incident]{
		Entity:      model.Incidents,
		Remote:      s.remotes.Incidents,
		Keys:        storage.IntKeyPolicy[model.Incident]{Remote: s.remotes.Incidents},
		MaxAttempts: s.maxKeyAttempts,
		Now:         s.now,
	}
	created, err := creator.Create(ctx, in)
	if err != nil {
		return res, fmt.Errorf("creating incident: %w", err)
	}
	res.Key = created.Id

	publish(s.echoes.Incidents, model.NewUpsertEvent[int](created, model.LocalOrigin))
	s.logger.Info("incident created", "id", created.Id, "shipment", created.ShipmentCode)

	if created.ShipmentCode != "" {
		if err := s.linkIncident(ctx, created); err != nil {
			res.Warnings = append(res.Warnings, err)
		}
	}

	return res, nil
}

// linkIncident flags the referenced shipment and notifies its sender.
func (s *Service) linkIncident(ctx context.Context, incident model.Incident) error {
	shipment, found, err := s.remotes.Shipments.FetchOne(ctx, incident.ShipmentCode)
	if err != nil {
		return fmt.Errorf("fetching shipment %s: %w", incident.ShipmentCode, err)
	}
	if !found {
		return fmt.Errorf("shipment %s: %w", incident.ShipmentCode, ErrNotFound)
	}

	shipment.IncidentId = incident.Id
	shipment.Status = model.ShipmentIncident
	if err := s.remotes.Shipments.Write(ctx, shipment.Code, shipment); err != nil {
		return fmt.Errorf("writing shipment %s: %w", shipment.Code, err)
	}
	publish(s.echoes.Shipments, model.NewUpsertEvent[string](shipment, model.LocalOrigin))

	if shipment.SenderId() == "" {
		return nil
	}

	return s.notify(ctx, model.Notification{
		Type:            model.IncidentCreatedNotification,
		Title:           "Incident reported",
		Message:         fmt.Sprintf("An incident was reported for your shipment %s: %s", shipment.Code, incident.Title),
		RecipientUserId: shipment.SenderId(),
		ShipmentCode:    shipment.Code,
		IncidentId:      incident.Id,
	})
}

// UpdateIncident replaces an existing incident.
// Moving it to resolved or closed stamps the resolution time once.
// Only sessions that see the stored incident can change it.
func (s *Service) UpdateIncident(ctx context.Context, in model.Incident) (Result[int], error) {
	res := Result[int]{Key: in.Id}

	if in.Id <= 0 {
		return res, fmt.Errorf("%w: %s: must be GT 0", ErrInvalid, "id")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return res, fmt.Errorf("%w: %s: empty", ErrInvalid, "title")
	}

	prev, found, err := s.remotes.Incidents.FetchOne(ctx, in.Id)
	if err != nil {
		return res, fmt.Errorf("fetching incident %d: %w", in.Id, err)
	}
	if !found {
		return res, fmt.Errorf("incident %d: %w", in.Id, ErrNotFound)
	}
	if !model.Incidents.Visible(s.session, prev) {
		return res, fmt.Errorf("%w: incident %d is not visible to %s", ErrForbidden, in.Id, s.session.UserId)
	}

	// Authorship and the report time are immutable
	in.CreatedById = prev.CreatedById
	in.DateTime = prev.DateTime
	if (in.Status == model.IncidentResolved || in.Status == model.IncidentClosed) && in.ResolvedAt == nil {
		if prev.ResolvedAt != nil {
			in.ResolvedAt = prev.ResolvedAt
		} else {
			resolvedAt := s.now()
			in.ResolvedAt = &resolvedAt
		}
	}
	in = model.Incidents.Normalize(in, s.now())

	if err := s.remotes.Incidents.Write(ctx, in.Id, in); err != nil {
		return res, fmt.Errorf("writing incident %d: %w", in.Id, err)
	}
	publish(s.echoes.Incidents, model.NewUpsertEvent[int](in, model.LocalOrigin))
	s.logger.Info("incident updated", "id", in.Id, "status", in.Status)

	return res, nil
}

// DeleteIncident removes the incident. Only sessions that see it can remove it.
func (s *Service) DeleteIncident(ctx context.Context, id int) (Result[int], error) {
	res := Result[int]{Key: id}

	if id <= 0 {
		return res, fmt.Errorf("%w: %s: must be GT 0", ErrInvalid, "id")
	}
	prev, found, err := s.remotes.Incidents.FetchOne(ctx, id)
	if err != nil {
		return res, fmt.Errorf("fetching incident %d: %w", id, err)
	}
	if found && !model.Incidents.Visible(s.session, prev) {
		return res, fmt.Errorf("%w: incident %d is not visible to %s", ErrForbidden, id, s.session.UserId)
	}
	if err := s.remotes.Incidents.Delete(ctx, id); err != nil {
		return res, fmt.Errorf("deleting incident %d: %w", id, err)
	}
	publish(s.echoes.Incidents, model.NewDeleteEvent[int, model.Incident](id, model.LocalOrigin))
	s.logger.Info("incident deleted", "id", id)

	return res, nil
}

// CreateShipment writes a new shipment under a fresh tracking code.
// An assigned worker is notified.
func (s *Service) CreateShipment(ctx context.Context, in model.Shipment) (Result[string], error) {
	res := Result[string]{}

	in.ReceiverName = strings.TrimSpace(in.ReceiverName)
	if in.ReceiverName == "" {
		return res, fmt.Errorf("%w: %s: empty", ErrInvalid, "receiverName")
	}
	if in.Sender == nil {
		in.Sender = &model.User{Id: s.session.UserId, Role: s.session.Role}
	}
	if in.Status == 0 {
		in.Status = model.ShipmentSent
	}
	in.CreatedDate = s.now()

	creator := storage.Creator[string, model.Shipment]{
		Entity:      model.Shipments,
		Remote:      s.remotes.Shipments,
		Keys:        s.trackingCodes,
		MaxAttempts: s.maxKeyAttempts,
		Now:         s.now,
	}
	created, err := creator.Create(ctx, in)
	if err != nil {
		return res, fmt.Errorf("creating shipment: %w", err)
	}
	res.Key = created.Code

	publish(s.echoes.Shipments, model.NewUpsertEvent[string](created, model.LocalOrigin))
	s.logger.Info("shipment created", "code", created.Code)

	if created.WorkerId() != "" {
		if err := s.notifyWorker(ctx, created); err != nil {
			res.Warnings = append(res.Warnings, err)
		}
	}

	return res, nil
}

// AssignWorker assigns the shipment to a worker, moves it in transit and notifies the worker.
// Admins only.
func (s *Service) AssignWorker(ctx context.Context, code string, worker model.User) (Result[string], error) {
	res := Result[string]{Key: code}

	if s.session.Role != model.AdminRole {
		return res, fmt.Errorf("%w: role %s can't assign workers", ErrForbidden, s.session.Role)
	}
	if worker.Id == "" {
		return res, fmt.Errorf("%w: %s: empty", ErrInvalid, "worker.id")
	}
	worker.Role = model.WorkerRole

	shipment, err := s.updateShipment(ctx, code, nil, func(shipment *model.Shipment) {
		shipment.Worker = &worker
		shipment.Status = model.ShipmentInTransit
	})
	if err != nil {
		return res, err
	}

	if err := s.notifyWorker(ctx, shipment); err != nil {
		res.Warnings = append(res.Warnings, err)
	}

	return res, nil
}

// MarkDelivered moves the shipment to delivered and notifies the sender.
// Admins and the assigned worker only.
func (s *Service) MarkDelivered(ctx context.Context, code string) (Result[string], error) {
	res := Result[string]{Key: code}

	authorize := func(shipment model.Shipment) error {
		if s.session.Role == model.AdminRole {
			return nil
		}
		if s.session.Role == model.WorkerRole && shipment.WorkerId() == s.session.UserId {
			return nil
		}
		return fmt.Errorf("%w: shipment %s is not assigned to %s", ErrForbidden, shipment.Code, s.session.UserId)
	}
	shipment, err := s.updateShipment(ctx, code, authorize, func(shipment *model.Shipment) {
		shipment.Status = model.ShipmentDelivered
	})
	if err != nil {
		return res, err
	}

	if senderId := shipment.SenderId(); senderId != "" {
		err := s.notify(ctx, model.Notification{
			Type:            model.ShipmentCreatedNotification,
			Title:           "Shipment delivered",
			Message:         fmt.Sprintf("Your shipment %s was delivered to %s", shipment.Code, shipment.ReceiverName),
			RecipientUserId: senderId,
			ShipmentCode:    shipment.Code,
		})
		if err != nil {
			res.Warnings = append(res.Warnings, err)
		}
	}

	return res, nil
}

// DeleteShipment removes the shipment. Admins only.
func (s *Service) DeleteShipment(ctx context.Context, code string) (Result[string], error) {
	res := Result[string]{Key: code}

	if s.session.Role != model.AdminRole {
		return res, fmt.Errorf("%w: role %s can't delete shipments", ErrForbidden, s.session.Role)
	}
	if strings.TrimSpace(code) == "" {
		return res, fmt.Errorf("%w: %s: empty", ErrInvalid, "code")
	}
	if err := s.remotes.Shipments.Delete(ctx, code); err != nil {
		return res, fmt.Errorf("deleting shipment %s: %w", code, err)
	}
	publish(s.echoes.Shipments, model.NewDeleteEvent[string, model.Shipment](code, model.LocalOrigin))
	s.logger.Info("shipment deleted", "code", code)

	return res, nil
}

// MarkNotificationRead flags the notification as read.
func (s *Service) MarkNotificationRead(ctx context.Context, id int) (Result[int], error) {
	res := Result[int]{Key: id}

	n, found, err := s.remotes.Notifications.FetchOne(ctx, id)
	if err != nil {
		return res, fmt.Errorf("fetching notification %d: %w", id, err)
	}
	if !found {
		return res, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if !model.Notifications.Visible(s.session, n) {
		return res, fmt.Errorf("%w: notification %d is not addressed to %s", ErrForbidden, id, s.session.UserId)
	}
	if n.IsRead {
		return res, nil
	}

	if err := s.markRead(ctx, n); err != nil {
		return res, err
	}

	return res, nil
}

// MarkAllNotificationsRead flags every unread notification of the session as read.
// A failed write doesn't stop the others and is reported as a warning.
func (s *Service) MarkAllNotificationsRead(ctx context.Context) (BatchResult[int], error) {
	res := BatchResult[int]{}

	all, err := s.remotes.Notifications.BulkFetch(ctx)
	if err != nil {
		return res, fmt.Errorf("fetching notifications: %w", err)
	}

	unread := make([]model.Notification, 0)
	for _, n := range all {
		if !n.IsRead && model.Notifications.Visible(s.session, n) {
			unread = append(unread, n)
		}
	}
	sort.Slice(unread, func(i, j int) bool { return unread[i].Id < unread[j].Id })

	for _, n := range unread {
		if err := s.markRead(ctx, n); err != nil {
			res.Warnings = append(res.Warnings, err)
			continue
		}
		res.Keys = append(res.Keys, n.Id)
	}
	s.logger.Info("notifications marked read", "count", len(res.Keys), "failed", len(res.Warnings))

	return res, nil
}

// DeleteNotification removes the notification.
func (s *Service) DeleteNotification(ctx context.Context, id int) (Result[int], error) {
	res := Result[int]{Key: id}

	if id <= 0 {
		return res, fmt.Errorf("%w: %s: must be GT 0", ErrInvalid, "id")
	}
	n, found, err := s.remotes.Notifications.FetchOne(ctx, id)
	if err != nil {
		return res, fmt.Errorf("fetching notification %d: %w", id, err)
	}
	if !found {
		return res, nil
	}
	if !model.Notifications.Visible(s.session, n) {
		return res, fmt.Errorf("%w: notification %d is not addressed to %s", ErrForbidden, id, s.session.UserId)
	}

	if err := s.remotes.Notifications.Delete(ctx, id); err != nil {
		return res, fmt.Errorf("deleting notification %d: %w", id, err)
	}
	publish(s.echoes.Notifications, model.NewDeleteEvent[int, model.Notification](id, model.LocalOrigin))
	s.logger.Info("notification deleted", "id", id)

	return res, nil
}

func (s *Service) markRead(ctx context.Context, n model.Notification) error {
	n.IsRead = true
	if err := s.remotes.Notifications.Write(ctx, n.Id, n); err != nil {
		return fmt.Errorf("writing notification %d: %w", n.Id, err)
	}
	publish(s.echoes.Notifications, model.NewUpsertEvent[int](n, model.LocalOrigin))

	return nil
}

// updateShipment applies the change to the current remote shipment and writes it back.
// authorize (optional) checks the session can change the current shipment.
func (s *Service) updateShipment(ctx context.Context, code string, authorize func(model.Shipment) error, change func(shipment *model.Shipment)) (model.Shipment, error) {
	shipment, found, err := s.remotes.Shipments.FetchOne(ctx, code)
	if err != nil {
		return shipment, fmt.Errorf("fetching shipment %s: %w", code, err)
	}
	if !found {
		return shipment, fmt.Errorf("shipment %s: %w", code, ErrNotFound)
	}
	if authorize != nil {
		if err := authorize(shipment); err != nil {
			return shipment, err
		}
	}

	change(&shipment)
	if err := s.remotes.Shipments.Write(ctx, code, shipment); err != nil {
		return shipment, fmt.Errorf("writing shipment %s: %w", code, err)
	}
	publish(s.echoes.Shipments, model.NewUpsertEvent[string](shipment, model.LocalOrigin))
	s.logger.Info("shipment updated", "code", code, "status", shipment.Status, "worker", shipment.WorkerId())

	return shipment, nil
}

func (s *Service) notifyWorker(ctx context.Context, shipment model.Shipment) error {
	return s.notify(ctx, model.Notification{
		Type:            model.ShipmentAssignedNotification,
		Title:           "New shipment assigned",
		Message:         fmt.Sprintf("Shipment %s from %s to %s was assigned to you", shipment.Code, shipment.Origin, shipment.Destination),
		RecipientUserId: shipment.WorkerId(),
		ShipmentCode:    shipment.Code,
	})
}

// notify creates the notification under a free key.
func (s *Service) notify(ctx context.Context, n model.Notification) error {
	creator := storage.Creator[int, model.Notification]{
		Entity:      model.Notifications,
		Remote:      s.remotes.Notifications,
		Keys:        storage.IntKeyPolicy[model.Notification]{Remote: s.remotes.Notifications},
		MaxAttempts: s.maxKeyAttempts,
		Now:         s.now,
	}
	created, err := creator.Create(ctx, n)
	if err != nil {
		s.logger.Warn("notification failed", "recipient", n.RecipientUserId, "type", n.Type, "error", err)
		return fmt.Errorf("notifying %s: %w", n.RecipientUserId, err)
	}
	publish(s.echoes.Notifications, model.NewUpsertEvent[int](created, model.LocalOrigin))

	return nil
}

func publish[K model.Key, V model.Record[K]](b *bus.Bus[model.ChangeEvent[K, V]], ev model.ChangeEvent[K, V]) {
	if b == nil {
		return
	}
	b.Publish(ev)
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the Service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the Service time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxKeyAttempts limits the free key search.
func WithMaxKeyAttempts(n int) Option {
	return func(s *Service) { s.maxKeyAttempts = n }
}

// WithTrackingCodes sets the shipment tracking code generator.
func WithTrackingCodes(p *storage.TrackingCodePolicy) Option {
	return func(s *Service) { s.trackingCodes = p }
}

// New creates a new Service object.
func New(remotes Remotes, echoes Echoes, session model.Session, opts ...Option) (*Service, error) {
	if remotes.Incidents == nil {
		return nil, fmt.Errorf("%s: nil", "remotes.Incidents")
	}
	if remotes.Shipments == nil {
		return nil, fmt.Errorf("%s: nil", "remotes.Shipments")
	}
	if remotes.Notifications == nil {
		return nil, fmt.Errorf("%s: nil", "remotes.Notifications")
	}
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Service{
		remotes:        remotes,
		echoes:         echoes,
		session:        session,
		maxKeyAttempts: storage.DefaultMaxKeyAttempts,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.trackingCodes == nil {
		s.trackingCodes = storage.NewTrackingCodePolicy(s.now, s.now().UnixNano())
	}
	s.logger = s.logger.With("component", "commands", "user", s.session.UserId)

	return s, nil
}
