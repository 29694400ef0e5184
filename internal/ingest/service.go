package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/inbox-triage/internal/classifier"
	"github.com/xaenox/inbox-triage/internal/locks"
	"github.com/xaenox/inbox-triage/internal/metrics"
	"github.com/xaenox/inbox-triage/internal/models"
	"github.com/xaenox/inbox-triage/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("inbox-triage/ingest")

// Request is one inbound message as received from the transport.
type Request struct {
	ContactPhone string `json:"contactPhone"`
	Sender       string `json:"sender"`
	Body         string `json:"body"`
}

// Notifier is told when a conversation turns high priority. It is called
// on the request path after the commit, so implementations hand delivery
// off instead of waiting on a remote service.
type Notifier interface {
	NotifyHighPriority(ctx context.Context, conv models.Conversation, msg models.Message) error
}

type Service struct {
	classifier classifier.Classifier
	store      storage.Storage
	locker     locks.Locker
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLocker(l locks.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(clf classifier.Classifier, store storage.Storage, logger *zap.Logger, opts ...Option) (*Service, error) {
	if clf == nil {
		return nil, errors.New("ingest: classifier must not be nil")
	}
	if store == nil {
		return nil, errors.New("ingest: store must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		classifier: clf,
		store:      store,
		locker:     locks.NewKeyedMutex(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest classifies a message, attaches it to the contact's conversation,
// raises the conversation flags its intent implies and stores everything
// in one commit. Either the whole ingest is persisted or nothing is.
func (s *Service) Ingest(ctx context.Context, req Request) (*models.Message, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ingest.message")
	defer span.End()

	msg, err := s.ingest(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		var ierr *Error
		if errors.As(err, &ierr) && ierr.Code == ErrorInvalidInput {
			status = "invalid"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	s.metrics.ObserveIngest(status, time.Since(start).Seconds())
	return msg, err
}

func (s *Service) ingest(ctx context.Context, req Request) (*models.Message, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	intent := s.classifier.Classify(ctx, req.Body)
	result, err := s.commit(ctx, req, intent)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Message ingested",
		zap.String("contact_phone", req.ContactPhone),
		zap.String("conversation_id", result.Conversation.ID),
		zap.String("message_id", result.Message.ID),
		zap.String("intent", string(intent)),
		zap.Bool("high_priority", result.Conversation.IsHighPriority),
		zap.Bool("opted_out", result.Conversation.IsOptedOut))

	if result.Escalated() {
		s.metrics.ObserveEscalation()
		s.notify(ctx, result)
	}
	msg := result.Message
	return &msg, nil
}

// commit runs find-or-create and the store commit while holding the
// contact's lock.
func (s *Service) commit(ctx context.Context, req Request, intent models.Intent) (*storage.CommitResult, error) {
	contact := zap.String("contact_phone", req.ContactPhone)

	unlock, err := s.locker.Lock(ctx, req.ContactPhone)
	if err != nil {
		s.logger.Error("Failed to lock contact", contact, zap.Error(err))
		return nil, newError(ErrorInternal, "lock contact", err)
	}
	defer unlock()

	now := s.now()
	conv, err := s.store.FindByContact(ctx, req.ContactPhone)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		conv = models.NewConversation(s.newID(), req.ContactPhone, now)
	case err != nil:
		s.logger.Error("Failed to look up conversation", contact, zap.Error(err))
		return nil, newError(ErrorInternal, "find conversation", err)
	}

	result, err := s.store.Commit(ctx, storage.Commit{
		Conversation: *conv,
		Flags:        models.FlagsFor(intent),
		Message: models.Message{
			ID:             s.newID(),
			ConversationID: conv.ID,
			Body:           req.Body,
			Sender:         req.Sender,
			Intent:         intent,
			ReceivedAt:     now,
		},
	})
	if err != nil {
		s.logger.Error("Failed to persist message", contact, zap.String("intent", string(intent)), zap.Error(err))
		return nil, newError(ErrorInternal, "persist message", err)
	}
	return result, nil
}

func (s *Service) notify(ctx context.Context, result *storage.CommitResult) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyHighPriority(ctx, result.Conversation, result.Message); err != nil {
		s.logger.Warn("Failed to notify about high priority conversation",
			zap.String("conversation_id", result.Conversation.ID),
			zap.Error(err))
	}
}

// HighPriority lists every high-priority conversation with its messages,
// opted-out ones included.
func (s *Service) HighPriority(ctx context.Context) ([]models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "ingest.high_priority")
	defer span.End()

	convs, err := s.store.QueryByFlag(ctx, true)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Failed to query high priority conversations", zap.Error(err))
		return nil, newError(ErrorInternal, "query conversations", err)
	}
	span.SetAttributes(attribute.Int("conversations", len(convs)))
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

func validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.ContactPhone) == "" {
		missing = append(missing, "contactPhone")
	}
	if strings.TrimSpace(req.Sender) == "" {
		missing = append(missing, "sender")
	}
	if strings.TrimSpace(req.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return newError(ErrorInvalidInput, "missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}
