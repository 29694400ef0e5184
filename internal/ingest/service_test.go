package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/inbox-triage/internal/classifier"
	"github.com/xaenox/inbox-triage/internal/metrics"
	"github.com/xaenox/inbox-triage/internal/models"
	"github.com/xaenox/inbox-triage/internal/storage"
)

type failingStore struct {
	*storage.MemoryStorage
	commitErr error
	findErr   error
	queryErr  error
}

func (f *failingStore) FindByContact(ctx context.Context, phone string) (*models.Conversation, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.MemoryStorage.FindByContact(ctx, phone)
}

func (f *failingStore) Commit(ctx context.Context, c storage.Commit) (*storage.CommitResult, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	return f.MemoryStorage.Commit(ctx, c)
}

func (f *failingStore) QueryByFlag(ctx context.Context, highPriority bool) ([]models.Conversation, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.MemoryStorage.QueryByFlag(ctx, highPriority)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []models.Message
	err   error
}

func (r *recordingNotifier) NotifyHighPriority(_ context.Context, _ models.Conversation, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msg)
	return r.err
}

type countingClassifier struct {
	mu    sync.Mutex
	calls int
	inner classifier.Classifier
}

func (c *countingClassifier) Classify(ctx context.Context, body string) models.Intent {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Classify(ctx, body)
}

type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type brokenLock struct{}

func (brokenLock) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("redis down")
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store storage.Storage, opts ...Option) *Service {
	t.Helper()
	seq := 0
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}, opts...)
	s, err := NewService(classifier.NewKeywordClassifier(nil), store, nil, opts...)
	require.NoError(t, err)
	return s
}

func TestIngestOptOutThenFrustrated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := newTestService(t, store)

	first, err := s.Ingest(ctx, Request{ContactPhone: "5551234567", Sender: "Alice", Body: "please stop texting me"})
	require.NoError(t, err)
	assert.Equal(t, models.OptOut, first.Intent)
	assert.Equal(t, fixedNow, first.ReceivedAt)
	assert.Equal(t, "Alice", first.Sender)

	conv, err := store.FindByContact(ctx, "5551234567")
	require.NoError(t, err)
	assert.True(t, conv.IsOptedOut)
	assert.False(t, conv.IsHighPriority)

	second, err := s.Ingest(ctx, Request{ContactPhone: "5551234567", Sender: "Alice", Body: "this is terrible, I hate it"})
	require.NoError(t, err)
	assert.Equal(t, models.Frustrated, second.Intent)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.NotEqual(t, first.ID, second.ID)

	conv, err = store.FindByContact(ctx, "5551234567")
	require.NoError(t, err)
	assert.True(t, conv.IsHighPriority)
	assert.True(t, conv.IsOptedOut)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, first.ID, conv.Messages[0].ID)
	assert.Equal(t, second.ID, conv.Messages[1].ID)
}

func TestIngestFlagsAreSticky(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := newTestService(t, store)

	for _, body := range []string{"stop", "unsubscribe", "sounds good", "I'm confused", "awful"} {
		_, err := s.Ingest(ctx, Request{ContactPhone: "555", Sender: "Bob", Body: body})
		require.NoError(t, err)

		conv, err := store.FindByContact(ctx, "555")
		require.NoError(t, err)
		assert.True(t, conv.IsOptedOut, "after %q", body)
	}

	conv, err := store.FindByContact(ctx, "555")
	require.NoError(t, err)
	assert.True(t, conv.IsHighPriority)
	assert.Len(t, conv.Messages, 5)
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"missing phone", Request{Sender: "Alice", Body: "hi"}},
		{"missing sender", Request{ContactPhone: "555", Body: "hi"}},
		{"blank body", Request{ContactPhone: "555", Sender: "Alice", Body: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			clf := &countingClassifier{inner: classifier.NewKeywordClassifier(nil)}
			s, err := NewService(clf, store, nil)
			require.NoError(t, err)

			_, err = s.Ingest(context.Background(), tt.req)
			var ierr *Error
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, ErrorInvalidInput, ierr.Code)
			assert.Zero(t, clf.calls)

			all, err := store.QueryByFlag(context.Background(), false)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestIngestPersistenceFailure(t *testing.T) {
	store := &failingStore{MemoryStorage: storage.NewMemoryStorage(), commitErr: errors.New("db down")}
	notifier := &recordingNotifier{}
	s := newTestService(t, store, WithNotifier(notifier))

	_, err := s.Ingest(context.Background(), Request{ContactPhone: "555", Sender: "Alice", Body: "this is awful"})
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, ErrorInternal, ierr.Code)
	assert.ErrorContains(t, err, "db down")

	_, err = store.FindByContact(context.Background(), "555")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, notifier.calls)
}

func TestIngestLookupAndLockFailures(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		store := &failingStore{MemoryStorage: storage.NewMemoryStorage(), findErr: errors.New("timeout")}
		s := newTestService(t, store)
		_, err := s.Ingest(context.Background(), Request{ContactPhone: "555", Sender: "A", Body: "hi"})
		var ierr *Error
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, ErrorInternal, ierr.Code)
	})

	t.Run("lock", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		s := newTestService(t, store, WithLocker(brokenLock{}))
		_, err := s.Ingest(context.Background(), Request{ContactPhone: "555", Sender: "A", Body: "hi"})
		var ierr *Error
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, ErrorInternal, ierr.Code)

		_, err = store.FindByContact(context.Background(), "555")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestIngestNotifiesOnceOnEscalation(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	reg := prometheus.NewRegistry()
	s := newTestService(t, storage.NewMemoryStorage(), WithNotifier(notifier), WithMetrics(metrics.New(reg)))

	for _, body := range []string{"hello", "this is ridiculous", "still furious"} {
		_, err := s.Ingest(context.Background(), Request{ContactPhone: "555", Sender: "Alice", Body: body})
		require.NoError(t, err)
	}

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "this is ridiculous", notifier.calls[0].Body)

	expected := `
# HELP triage_ingest_escalations_total Conversations that became high priority
# TYPE triage_ingest_escalations_total counter
triage_ingest_escalations_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "triage_ingest_escalations_total"))
}

func TestIngestConcurrentNewContact(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"keyed mutex", nil},
		{"storage uniqueness only", []Option{WithLocker(noLock{})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			s, err := NewService(classifier.NewKeywordClassifier(nil), store, nil, tt.opts...)
			require.NoError(t, err)

			var wg sync.WaitGroup
			ids := make([]string, 25)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					msg, err := s.Ingest(context.Background(), Request{ContactPhone: "999", Sender: "Eve", Body: fmt.Sprintf("message %d", i)})
					if assert.NoError(t, err) {
						ids[i] = msg.ConversationID
					}
				}(i)
			}
			wg.Wait()

			conv, err := store.FindByContact(context.Background(), "999")
			require.NoError(t, err)
			assert.Len(t, conv.Messages, 25)
			for _, id := range ids {
				assert.Equal(t, conv.ID, id)
			}
		})
	}
}

func TestHighPriority(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := newTestService(t, store)

	bodies := map[string]string{
		"111": "this is the worst",
		"222": "sounds good",
		"333": "what does that mean",
		"444": "I hate this, unacceptable",
		"555": "tell me more",
	}
	for phone, body := range bodies {
		_, err := s.Ingest(ctx, Request{ContactPhone: phone, Sender: "X", Body: body})
		require.NoError(t, err)
	}
	// Opted-out conversations still appear when high priority.
	_, err := s.Ingest(ctx, Request{ContactPhone: "444", Sender: "X", Body: "stop"})
	require.NoError(t, err)

	convs, err := s.HighPriority(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	phones := []string{convs[0].ContactPhone, convs[1].ContactPhone}
	assert.ElementsMatch(t, []string{"111", "444"}, phones)
	for _, c := range convs {
		assert.True(t, c.IsHighPriority)
		assert.NotEmpty(t, c.Messages)
		if c.ContactPhone == "444" {
			assert.True(t, c.IsOptedOut)
			assert.Len(t, c.Messages, 2)
		}
	}
}

func TestHighPriorityEmptyAndFailure(t *testing.T) {
	s := newTestService(t, storage.NewMemoryStorage())
	convs, err := s.HighPriority(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)

	failing := newTestService(t, &failingStore{MemoryStorage: storage.NewMemoryStorage(), queryErr: errors.New("db down")})
	_, err = failing.HighPriority(context.Background())
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, ErrorInternal, ierr.Code)
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(nil, storage.NewMemoryStorage(), nil)
	require.Error(t, err)
	_, err = NewService(classifier.NewKeywordClassifier(nil), nil, nil)
	require.Error(t, err)
}
