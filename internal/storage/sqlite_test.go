package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/inbox-triage/internal/models"
)

func openSQLite(t *testing.T) *SQLStorage {
	t.Helper()
	s, err := OpenSQLStorage(context.Background(), DatabaseConfig{
		Driver:     DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "triage.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	first, err := s.Commit(ctx, newCommit("c1", "5551234567", "m1", models.OptOut, base))
	require.NoError(t, err)
	assert.True(t, first.Conversation.IsOptedOut)

	second, err := s.Commit(ctx, newCommit("other", "5551234567", "m2", models.Frustrated, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, "c1", second.Message.ConversationID)
	assert.True(t, second.Escalated())

	conv, err := s.FindByContact(ctx, "5551234567")
	require.NoError(t, err)
	assert.Equal(t, models.Flags{HighPriority: true, OptedOut: true}, conv.Flags())
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "m1", conv.Messages[0].ID)
	assert.Equal(t, "m2", conv.Messages[1].ID)
	assert.True(t, conv.Messages[1].ReceivedAt.Equal(base.Add(time.Minute)))
	assert.True(t, conv.CreatedAt.Equal(base))
}

func TestSQLiteQueryByFlag(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	intents := []models.Intent{models.Interested, models.Frustrated, models.Confused, models.Frustrated, models.OptOut}
	for i, intent := range intents {
		_, err := s.Commit(ctx, newCommit(fmt.Sprintf("c%d", i), fmt.Sprintf("555%d", i), fmt.Sprintf("m%d", i), intent, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	flagged, err := s.QueryByFlag(ctx, true)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	assert.Equal(t, "c1", flagged[0].ID)
	assert.Equal(t, "c3", flagged[1].ID)
	for _, c := range flagged {
		require.Len(t, c.Messages, 1)
		assert.Equal(t, models.Frustrated, c.Messages[0].Intent)
	}
}

func TestSQLiteCreateSaveFlagsAppend(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	conv, err := s.Create(ctx, "555")
	require.NoError(t, err)
	again, err := s.Create(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	require.NoError(t, s.SaveFlags(ctx, conv.ID, models.Flags{OptedOut: true}))
	require.NoError(t, s.SaveFlags(ctx, conv.ID, models.Flags{}))
	require.NoError(t, s.AppendMessage(ctx, models.Message{
		ID: "m1", ConversationID: conv.ID, Body: "hi", Sender: "Alice",
		Intent: models.Interested, ReceivedAt: time.Now(),
	}))

	got, err := s.FindByContact(ctx, "555")
	require.NoError(t, err)
	assert.True(t, got.IsOptedOut)
	assert.Len(t, got.Messages, 1)

	require.ErrorIs(t, s.SaveFlags(ctx, "missing", models.Flags{}), ErrNotFound)
	require.ErrorIs(t, s.AppendMessage(ctx, models.Message{ID: "m2", ConversationID: "missing"}), ErrNotFound)

	_, err = s.FindByContact(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSQLStorageRejectsInMemorySQLite(t *testing.T) {
	for _, path := range []string{":memory:", "", "file::memory:?cache=shared", "triage.db?mode=memory"} {
		t.Run(path, func(t *testing.T) {
			_, err := OpenSQLStorage(context.Background(), DatabaseConfig{
				Driver:     DriverSQLite,
				SQLitePath: path,
			}, nil)
			require.ErrorIs(t, err, ErrInMemorySQLite)
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.db")
	cfg := DatabaseConfig{Driver: DriverSQLite, SQLitePath: path}
	require.NoError(t, Migrate(cfg.Driver, cfg.DSN()))
	require.NoError(t, Migrate(cfg.Driver, cfg.DSN()))
}
