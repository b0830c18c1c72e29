package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
	db, err := storage.New(storage.Config{Logger: logger.NewTestLogger(), Filename: storage.Memory})
	require.NoError(t, err)
	s, err := New(Config{
		Context:    context.Background(),
		Logger:     logger.NewTestLogger(),
		DB:         db,
		DatabaseID: "db",
		TableID:    "people",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s, db
}

func TestInsertGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, internal.Document{"name": "alice", "age": 30})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	doc, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["name"])
	assert.Equal(t, float64(30), doc["age"])
	assert.Equal(t, id, doc.ID())

	_, err = s.GetByID(ctx, "missing")
	assert.True(t, internal.IsNotFound(err))

	_, err = s.Insert(ctx, internal.Document{internal.FieldID: id})
	assert.ErrorIs(t, err, internal.ErrConflict)
}

func TestInsertManyIsAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, internal.Document{internal.FieldID: "b"})
	require.NoError(t, err)
	_, err = s.InsertMany(ctx, []internal.Document{{internal.FieldID: "a"}, {internal.FieldID: "b"}})
	assert.ErrorIs(t, err, internal.ErrConflict)
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ids, err := s.InsertMany(ctx, []internal.Document{{internal.FieldID: "a"}, {internal.FieldID: "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID())
	assert.Equal(t, "c", all[2].ID())
}

func TestUpdateDeleteScan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, internal.Document{"name": "bob", "age": 20})
	require.NoError(t, err)

	doc, err := s.Update(ctx, id, func(doc internal.Document) (internal.Document, error) {
		doc["age"] = doc["age"].(float64) + 1
		doc[internal.FieldID] = "ignored"
		return doc, nil
	})
	require.NoError(t, err)
	assert.Equal(t, float64(21), doc["age"])
	assert.Equal(t, id, doc.ID())

	myErr := fmt.Errorf("rejected")
	_, err = s.Update(ctx, id, func(doc internal.Document) (internal.Document, error) {
		doc["age"] = 99
		return nil, myErr
	})
	assert.ErrorIs(t, err, myErr)
	doc, err = s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(21), doc["age"])

	_, err = s.Update(ctx, "missing", func(doc internal.Document) (internal.Document, error) { return doc, nil })
	assert.True(t, internal.IsNotFound(err))

	_, err = s.Insert(ctx, internal.Document{"name": "carol", "age": 40})
	require.NoError(t, err)
	old, err := s.Scan(ctx, func(doc internal.Document) bool { return doc["age"].(float64) > 30 })
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "carol", old[0]["name"])

	ok, err := s.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePanicIsError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, internal.Document{"n": 1})
	require.NoError(t, err)
	_, err = s.Update(ctx, id, func(doc internal.Document) (internal.Document, error) {
		panic("bad mutate")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad mutate")
	// the owner goroutine is still running
	_, err = s.Update(ctx, id, func(doc internal.Document) (internal.Document, error) { return doc, nil })
	assert.NoError(t, err)
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, internal.Document{"counter": 0})
	require.NoError(t, err)
	const workers = 10
	const perWorker = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Update(ctx, id, func(doc internal.Document) (internal.Document, error) {
					doc["counter"] = doc["counter"].(float64) + 1
					return doc, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	doc, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(workers*perWorker), doc["counter"])
}

func TestRenameAndUnsetField(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertMany(ctx, []internal.Document{{"first": "a", "x": 1}, {"first": "b"}, {"other": true}})
	require.NoError(t, err)
	changed, err := s.RenameField(ctx, "first", "firstName")
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	rows, err := s.Scan(ctx, func(doc internal.Document) bool { _, ok := doc["firstName"]; return ok })
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	changed, err = s.UnsetField(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	removed, err := s.Truncate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestColumns(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	cols, err := s.SetColumns(ctx, []string{"name", "age"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age"}, cols.Names())
	nameID, ok := cols.ID("name")
	require.True(t, ok)
	assert.Equal(t, 0, cols.Position(nameID))

	cols, err = s.SetColumns(ctx, []string{"name", "age", "email"})
	require.NoError(t, err)
	id, _ := cols.ID("name")
	assert.Equal(t, nameID, id)
	assert.Equal(t, 3, cols.Len())

	cols, err = s.RenameColumn(ctx, "name", "fullName")
	require.NoError(t, err)
	id, ok = cols.ID("fullName")
	assert.True(t, ok)
	assert.Equal(t, nameID, id)
	name, ok := cols.Name(nameID)
	assert.True(t, ok)
	assert.Equal(t, "fullName", name)

	// a reopened store reads the persisted index
	reopened, err := New(Config{Logger: logger.NewTestLogger(), DB: db, TableID: "people"})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{"fullName", "age", "email"}, reopened.Columns().Names())
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.Insert(context.Background(), internal.Document{"a": 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrop(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	_, err := s.SetColumns(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, internal.Document{"a": 1})
	require.NoError(t, err)
	require.NoError(t, s.Drop(ctx))
	found, _, err := db.Get(columnsKey("people"))
	require.NoError(t, err)
	assert.False(t, found)
	var keys int
	require.NoError(t, db.Ascend(rowPrefix("people"), func(key, value string) bool {
		keys++
		return true
	}))
	assert.Equal(t, 0, keys)
}

func TestCanceledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err := s.GetAll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParentContextCanceled(t *testing.T) {
	db, err := storage.New(storage.Config{Logger: logger.NewTestLogger(), Filename: storage.Memory})
	require.NoError(t, err)
	defer db.Close()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(Config{Context: ctx, Logger: logger.NewTestLogger(), DB: db, TableID: "people"})
	require.NoError(t, err)
	defer s.Close()
	cancel()
	assert.Eventually(t, func() bool {
		done := make(chan error, 1)
		go func() {
			_, err := s.Insert(context.Background(), internal.Document{"name": "alice"})
			done <- err
		}()
		select {
		case err := <-done:
			return err == ErrClosed
		case <-time.After(time.Second):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	_, err = s.Update(context.Background(), "missing", func(doc internal.Document) (internal.Document, error) {
		return doc, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}
