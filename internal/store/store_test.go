package store

import (
	"context"
	"database/sql/driver"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"attendance-agent/config"
	"attendance-agent/internal/db"
	"attendance-agent/internal/model"
)

// A helper function to create a mock postgres connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	gdb, err := db.Init(config.StorageConfig{Backend: BackendSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	return gdb
}

func entry(id, label string, at time.Time) model.QueueEntry {
	return model.QueueEntry{
		ID:               id,
		EnqueuedAt:       at,
		AttendanceRecord: model.NewAttendanceRecord(label, 3, 17, "dev-1", at),
	}
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}

func TestGormQueueStore_Postgres(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	testCases := []struct {
		name             string
		run              func(s QueueStore) error
		mockExpectations func(mock sqlmock.Sqlmock)
	}{
		{
			name: "Append inserts one row",
			run: func(s QueueStore) error {
				return s.Append(context.Background(), entry("q-1", "alice", at))
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "queued_attendances"`)).
					WithArgs("q-1", Any{}, 17, "alice", 3, "2025-03-10", "09:00:00", "present", "dev-1").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "Remove deletes by queue id",
			run: func(s QueueStore) error {
				return s.Remove(context.Background(), []string{"q-1", "q-2"})
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "queued_attendances" WHERE queue_id IN ($1,$2)`)).
					WithArgs("q-1", "q-2").
					WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectCommit()
			},
		},
		{
			name: "Remove with no ids is a no-op",
			run: func(s QueueStore) error {
				return s.Remove(context.Background(), nil)
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			s := NewGormQueueStore(gormDB)

			tc.mockExpectations(mock)

			assert.NoError(t, tc.run(s))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormQueueStore_ListPostgres(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormQueueStore(gormDB)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "queued_attendances" ORDER BY enqueued_at, queue_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"queue_id", "enqueued_at", "schedule_id", "student", "course_id", "date", "time", "status", "device"}).
			AddRow("q-1", at, 17, "alice", 3, "2025-03-10", "09:00:00", "present", "dev-1"))

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q-1", entries[0].ID)
	assert.Equal(t, model.SentKey{Label: "alice", CourseID: 3, ScheduleID: 17}, entries[0].Key())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStores_SQLite(t *testing.T) {
	gdb := newSQLiteDB(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	queue := NewGormQueueStore(gdb)
	require.NoError(t, queue.Append(ctx, entry("q-1", "alice", at)))
	require.NoError(t, queue.Append(ctx, entry("q-2", "bob", at.Add(time.Second))))
	require.NoError(t, queue.Append(ctx, entry("q-3", "carol", at.Add(2*time.Second))))

	require.NoError(t, queue.Remove(ctx, []string{"q-2"}))
	entries, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Student)
	assert.Equal(t, "carol", entries[1].Student)

	sent := NewGormSentStore(gdb)
	keys := []model.SentKey{{Label: "alice", CourseID: 3, ScheduleID: 17}, {Label: "bob", CourseID: 3, ScheduleID: 17}}
	require.NoError(t, sent.Save(ctx, "2025-03-10", keys))
	require.NoError(t, sent.Save(ctx, "2025-03-11", keys[:1]))

	loaded, err := sent.Load(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, loaded)

	require.NoError(t, sent.Save(ctx, "2025-03-10", nil))
	loaded, err = sent.Load(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	other, err := sent.Load(ctx, "2025-03-11")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestFileQueueStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	s := NewFileQueueStore(dir, nil)
	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Append(ctx, entry("q-1", "alice", at)))
	require.NoError(t, s.Append(ctx, entry("q-2", "bob", at)))

	// A fresh store over the same directory sees the persisted entries.
	reopened := NewFileQueueStore(dir, nil)
	entries, err = reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "q-1", entries[0].ID)

	require.NoError(t, reopened.Remove(ctx, []string{"q-1"}))
	entries, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Student)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileQueueStore_AssignsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	legacy := `[{"schedule": 17, "student": "alice", "course": 3, "date": "2025-03-10", "time": "09:00:00", "status": "present", "device": "dev-1"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, queueFileName), []byte(legacy), 0o644))

	s := NewFileQueueStore(dir, nil)
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "alice", entries[0].Student)

	again, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, again[0].ID, "assigned id is persisted")
}

func TestFileQueueStore_CorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, queueFileName), []byte("{not json"), 0o644))

	s := NewFileQueueStore(dir, nil)
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	aside, err := filepath.Glob(filepath.Join(dir, queueFileName+".corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, aside, 1)
}

func TestFileSentStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := NewFileSentStore(dir)

	keys, err := s.Load(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, keys)

	want := []model.SentKey{{Label: "alice", CourseID: 3, ScheduleID: 17}}
	require.NoError(t, s.Save(ctx, "2025-03-10", want))

	raw, err := os.ReadFile(filepath.Join(dir, "sent", "sent_2025-03-10.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[["alice", 3, 17]]`, string(raw))

	keys, err = NewFileSentStore(dir).Load(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, want, keys)
}

func TestSentStore_Window(t *testing.T) {
	stores := map[string]func(t *testing.T) (SentStore, func() SentStore){
		"file": func(t *testing.T) (SentStore, func() SentStore) {
			dir := t.TempDir()
			return NewFileSentStore(dir), func() SentStore { return NewFileSentStore(dir) }
		},
		"sqlite": func(t *testing.T) (SentStore, func() SentStore) {
			gdb := newSQLiteDB(t)
			return NewGormSentStore(gdb), func() SentStore { return NewGormSentStore(gdb) }
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, reopen := open(t)

			window, err := s.Window(ctx, "2025-03-10")
			require.NoError(t, err)
			assert.Empty(t, window)

			require.NoError(t, s.SetWindow(ctx, "2025-03-10", "17@2025-03-10"))
			require.NoError(t, s.SetWindow(ctx, "2025-03-10", "18@2025-03-10"))
			require.NoError(t, s.SetWindow(ctx, "2025-03-11", "17@2025-03-11"))

			window, err = reopen().Window(ctx, "2025-03-10")
			require.NoError(t, err)
			assert.Equal(t, "18@2025-03-10", window)

			window, err = reopen().Window(ctx, "2025-03-11")
			require.NoError(t, err)
			assert.Equal(t, "17@2025-03-11", window)
		})
	}
}

func TestGormSentStore_SetWindowUpserts(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormSentStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sent_windows"`) + `.*` + regexp.QuoteMeta(`ON CONFLICT ("day") DO UPDATE`)).
		WithArgs("2025-03-10", "17@2025-03-10", Any{}).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, s.SetWindow(context.Background(), "2025-03-10", "17@2025-03-10"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_SelectsBackend(t *testing.T) {
	q, s, err := New(config.StorageConfig{Backend: BackendFile, DataDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &fileQueueStore{}, q)
	assert.IsType(t, &fileSentStore{}, s)

	_, _, err = New(config.StorageConfig{Backend: BackendPostgres}, nil, nil)
	assert.Error(t, err)

	q, _, err = New(config.StorageConfig{Backend: BackendSQLite}, newSQLiteDB(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &gormQueueStore{}, q)
}

func TestDay(t *testing.T) {
	assert.Equal(t, "2025-03-10", Day(time.Date(2025, 3, 10, 23, 59, 0, 0, time.Local)))
}
