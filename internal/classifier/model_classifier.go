package classifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xaenox/inbox-triage/internal/llm"
	"github.com/xaenox/inbox-triage/internal/metrics"
	"github.com/xaenox/inbox-triage/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const SystemPrompt = `You are a customer intent classifier for a conversational messaging platform.
Analyze the following customer message and classify it as exactly one of:
- Interested : The customer shows curiosity, positivity, or wants to learn more.
- Confused : The customer is asking for clarification or seems uncertain.
- Frustrated : The customer expresses anger, dissatisfaction, or strong negativity.
- OptOut : The customer explicitly wants to stop receiving messages or unsubscribe.
Respond with ONLY the single intent word. No explanation. No punctuation.`

const (
	modelTemperature = 0.1
	modelMaxTokens   = 10

	DefaultTimeout = 5 * time.Second
)

// ModelClassifier asks a text generator for the intent and falls back to
// keyword matching whenever the generator errors, times out or answers
// with anything other than a known intent token.
type ModelClassifier struct {
	generator llm.Generator
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewModelClassifier(generator llm.Generator, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) (*ModelClassifier, error) {
	if generator == nil {
		return nil, errors.New("classifier: generator must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelClassifier{
		generator: generator,
		timeout:   timeout,
		metrics:   m,
		logger:    logger,
	}, nil
}

func (c *ModelClassifier) Classify(ctx context.Context, body string) models.Intent {
	ctx, span := tracer.Start(ctx, "classifier.classify")
	defer span.End()

	intent, source := c.classify(ctx, body)
	span.SetAttributes(
		attribute.String("intent", string(intent)),
		attribute.String("source", source),
	)
	c.metrics.ObserveClassification(string(intent), source)
	return intent
}

func (c *ModelClassifier) classify(ctx context.Context, body string) (models.Intent, string) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.generator.Generate(callCtx, llm.Request{
		System:      SystemPrompt,
		User:        body,
		Temperature: modelTemperature,
		MaxTokens:   modelMaxTokens,
	})
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		c.logger.Warn("Model classification failed, using keywords",
			zap.Error(err),
			zap.String("reason", reason))
		c.metrics.ObserveFallback(reason)
		return classifyKeywords(body), sourceFallback
	}

	if intent, ok := ParseModelResponse(response); ok {
		return intent, sourceModel
	}
	c.logger.Warn("Unrecognized model response, using keywords",
		zap.String("response", response))
	c.metrics.ObserveFallback("unrecognized")
	return classifyKeywords(body), sourceFallback
}

// ParseModelResponse maps a raw model reply to an intent. Surrounding
// whitespace and letter case are ignored.
func ParseModelResponse(response string) (models.Intent, bool) {
	switch strings.ToUpper(strings.TrimSpace(response)) {
	case "INTERESTED":
		return models.Interested, true
	case "CONFUSED":
		return models.Confused, true
	case "FRUSTRATED":
		return models.Frustrated, true
	case "OPTOUT", "OPT OUT", "OPT-OUT":
		return models.OptOut, true
	}
	return "", false
}
