package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/parcel-sync/model"
)

func receiveChange(t *testing.T, sub model.Subscription) model.RawChange {
	t.Helper()

	select {
	case change, ok := <-sub.Changes():
		require.True(t, ok, "stream closed")
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("change not received")
	}

	return model.RawChange{}
}

func Test_MemStore_Documents(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.Put(ctx, "Incidents", "1", []byte(`{"Id":1}`)))
	require.ErrorIs(t, m.Insert(ctx, "Incidents", "1", []byte(`{}`)), model.ErrKeyExists)
	require.NoError(t, m.Insert(ctx, "Incidents", "2", []byte(`{"Id":2}`)))

	doc, found, err := m.Get(ctx, "Incidents", "1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"Id":1}`, string(doc))

	all, err := m.GetAll(ctx, "Incidents")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, m.Delete(ctx, "Incidents", "1"))
	require.NoError(t, m.Delete(ctx, "Incidents", "1"))
	_, found, err = m.Get(ctx, "Incidents", "1")
	require.NoError(t, err)
	require.False(t, found)

	failure := errors.New("unavailable")
	m.SetFailure(MethodGetAll, failure)
	_, err = m.GetAll(ctx, "Incidents")
	require.ErrorIs(t, err, failure)
	m.SetFailure(MethodGetAll, nil)
	_, err = m.GetAll(ctx, "Incidents")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.GetAll(ctx, "Incidents")
	require.ErrorIs(t, err, ErrClosed)
}

func Test_MemStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemStore()

	sub, err := m.Watch(ctx, "Incidents")
	require.NoError(t, err)
	other, err := m.Watch(ctx, "Shipments")
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, "Incidents", "1", []byte(`{"Id":1}`)))
	require.NoError(t, m.Delete(ctx, "Incidents", "1"))

	change := receiveChange(t, sub)
	require.Equal(t, model.UpsertOperationType, change.Type)
	require.Equal(t, "Incidents/1", change.Path)

	change = receiveChange(t, sub)
	require.Equal(t, model.DeleteOperationType, change.Type)
	require.Nil(t, change.Payload)

	// Other nodes are not notified
	require.Empty(t, other.Changes())

	// Context cancel ends the stream without an error
	cancel()
	_, ok := <-sub.Changes()
	require.False(t, ok)
	require.NoError(t, sub.Err())
	require.Eventually(t, func() bool { return m.Watchers("Incidents") == 0 }, time.Second, 10*time.Millisecond)
}

func Test_MemStore_SlowConsumer(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.bufSize = 2

	sub, err := m.Watch(ctx, "Incidents")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.Inject("Incidents", model.RawChange{Type: model.DeleteOperationType, Path: "Incidents/1"})
	}

	require.Eventually(t, func() bool { return sub.Err() != nil }, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)

	// Buffered changes are still drained before the close
	n := 0
	for range sub.Changes() {
		n++
	}
	require.Equal(t, 2, n)
}

func Test_Collection(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	incidents, err := NewCollection(model.Incidents, m, nil)
	require.NoError(t, err)

	require.NoError(t, incidents.Write(ctx, 1, model.Incident{Title: "first"}))
	require.NoError(t, m.Put(ctx, "Incidents", "2", []byte(`{"Title":"legacy without id"}`)))
	require.NoError(t, m.Put(ctx, "Incidents", "3", []byte(`not json`)))

	all, err := incidents.BulkFetch(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 1, all[1].Id)
	require.Equal(t, 2, all[2].Id)
	require.Equal(t, model.IncidentOpen, all[2].Status)

	v, found, err := incidents.FetchOne(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", v.Title)

	_, found, err = incidents.FetchOne(ctx, 42)
	require.NoError(t, err)
	require.False(t, found)

	_, _, err = incidents.FetchOne(ctx, 3)
	require.Error(t, err)

	require.ErrorIs(t, incidents.Create(ctx, 1, model.Incident{Title: "dup"}), model.ErrKeyExists)
	require.NoError(t, incidents.Create(ctx, 4, model.Incident{Title: "new"}))
	require.Error(t, incidents.Write(ctx, 0, model.Incident{}))

	require.NoError(t, incidents.Delete(ctx, 4))
	_, found, err = incidents.FetchOne(ctx, 4)
	require.NoError(t, err)
	require.False(t, found)
}
