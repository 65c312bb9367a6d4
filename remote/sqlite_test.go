package remote

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/parcel-sync/model"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	s, err := OpenSQLiteStore(path, 10*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func Test_SQLiteStore_Documents(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "docs.db"))

	require.NoError(t, s.Put(ctx, "Incidents", "1", []byte(`{"Id":1,"Title":"a"}`)))
	require.NoError(t, s.Put(ctx, "Incidents", "1", []byte(`{"Id":1,"Title":"b"}`)))
	require.ErrorIs(t, s.Insert(ctx, "Incidents", "1", []byte(`{}`)), model.ErrKeyExists)
	require.NoError(t, s.Insert(ctx, "Incidents", "2", []byte(`{"Id":2}`)))
	require.NoError(t, s.Put(ctx, "Shipments", "1", []byte(`{"Code":"1"}`)))

	doc, found, err := s.Get(ctx, "Incidents", "1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"Id":1,"Title":"b"}`, string(doc))

	all, err := s.GetAll(ctx, "Incidents")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "Incidents", "1"))
	require.NoError(t, s.Delete(ctx, "Incidents", "1"))
	_, found, err = s.Get(ctx, "Incidents", "1")
	require.NoError(t, err)
	require.False(t, found)
}

// Test checks that writes of another process sharing the database file are pushed to watchers.
func Test_SQLiteStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "shared.db")
	reader := openTestSQLite(t, path)
	writer := openTestSQLite(t, path)

	// Committed before the watch: not streamed
	require.NoError(t, writer.Put(ctx, "Incidents", "1", []byte(`{"Id":1}`)))

	sub, err := reader.Watch(ctx, "Incidents")
	require.NoError(t, err)

	require.NoError(t, writer.Put(ctx, "Shipments", "S", []byte(`{"Code":"S"}`)))
	require.NoError(t, writer.Put(ctx, "Incidents", "2", []byte(`{"Id":2}`)))
	require.NoError(t, writer.Delete(ctx, "Incidents", "1"))

	change := receiveChange(t, sub)
	require.Equal(t, model.UpsertOperationType, change.Type)
	require.Equal(t, "Incidents/2", change.Path)
	require.JSONEq(t, `{"Id":2}`, string(change.Payload))

	change = receiveChange(t, sub)
	require.Equal(t, model.DeleteOperationType, change.Type)
	require.Equal(t, "Incidents/1", change.Path)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Err())
}
