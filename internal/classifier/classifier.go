package classifier

import (
	"context"
	"strings"

	"github.com/xaenox/inbox-triage/internal/metrics"
	"github.com/xaenox/inbox-triage/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Classifier decides the intent of a message body. Implementations never
// fail: every body resolves to one of the four intents.
type Classifier interface {
	Classify(ctx context.Context, body string) models.Intent
}

const (
	sourceKeyword  = "keyword"
	sourceModel    = "model"
	sourceFallback = "fallback"
)

var tracer = otel.Tracer("inbox-triage/classifier")

type keywordRule struct {
	intent   models.Intent
	keywords []string
}

// Rules are checked in order and the first match wins, so opt-out beats
// frustration, which beats confusion, which beats interest.
var keywordRules = []keywordRule{
	{models.OptOut, []string{"stop", "unsubscribe"}},
	{models.Frustrated, []string{"angry", "frustrated", "terrible", "awful", "horrible", "worst", "hate", "useless", "unacceptable", "ridiculous", "furious"}},
	{models.Confused, []string{"confused", "confusing", "unclear", "not sure", "don't understand", "what does", "how do"}},
	{models.Interested, []string{"interested", "tell me more", "sounds good", "yes", "great", "awesome", "love", "want", "sign me up"}},
}

// KeywordClassifier is the deterministic substring matcher. Bodies that
// match nothing are treated as Interested.
type KeywordClassifier struct {
	metrics *metrics.Metrics
}

func NewKeywordClassifier(m *metrics.Metrics) *KeywordClassifier {
	return &KeywordClassifier{metrics: m}
}

func (c *KeywordClassifier) Classify(ctx context.Context, body string) models.Intent {
	_, span := tracer.Start(ctx, "classifier.classify")
	defer span.End()

	intent := classifyKeywords(body)
	span.SetAttributes(
		attribute.String("intent", string(intent)),
		attribute.String("source", sourceKeyword),
	)
	c.metrics.ObserveClassification(string(intent), sourceKeyword)
	return intent
}

func classifyKeywords(body string) models.Intent {
	content := strings.ToLower(body)
	for _, rule := range keywordRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(content, keyword) {
				return rule.intent
			}
		}
	}
	return models.Interested
}
