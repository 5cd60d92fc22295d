// Package safety implements the pre- and post-generation content checks
// that gate every turn: validating shape before a message enters the
// pipeline, and screening both the user's input and the provider's output
// for disallowed content.
package safety

import (
	"strings"
	"unicode/utf8"

	"github.com/chatcore/core/internal/chat"
)

const (
	// maxMessageRunes bounds a single inbound message; validated before any
	// other processing so a pathological payload never reaches the context
	// manager or a provider.
	maxMessageRunes = 8000
	// bypassLenThreshold messages shorter than this skip the (relatively
	// expensive) classifier and are treated as automatically safe, mirroring
	// spec.md's explicit short-message bypass.
	bypassLenThreshold = 500
)

// Verdict is the result of a screening pass.
type Verdict struct {
	Blocked    bool
	Reason     string
	Confidence float64
}

// Classifier scores a piece of text for disallowed content. Production
// deployments wire in a moderation model or external API; Gate falls back
// to a keyword classifier when none is configured, matching the mock/real
// adapter split used throughout the provider registry.
type Classifier interface {
	Classify(text string) (score float64, reason string)
}

// Gate implements the safety checks named in spec.md: ValidateMessage,
// ValidateSessionCreate, ScreenInbound, ScreenOutbound, and SafeResponse.
type Gate struct {
	classifier          Classifier
	inboundConfidenceTh float64
}

// NewGate returns a Gate using classifier for content screening, tripping
// ScreenInbound at the given confidence threshold (spec.md's
// SAFETY_INBOUND_CONFIDENCE_THRESHOLD, default 0.95).
func NewGate(classifier Classifier, inboundConfidenceThreshold float64) *Gate {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	if inboundConfidenceThreshold <= 0 {
		inboundConfidenceThreshold = 0.95
	}
	return &Gate{classifier: classifier, inboundConfidenceTh: inboundConfidenceThreshold}
}

// ValidateMessage checks structural validity of a user-authored message
// before it enters the pipeline: non-empty, valid UTF-8, and under the
// length ceiling.
func (g *Gate) ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return chat.ErrValidation
	}
	if !utf8.ValidString(content) {
		return chat.ErrValidation
	}
	if utf8.RuneCountInString(content) > maxMessageRunes {
		return chat.ErrValidation
	}
	return nil
}

// SessionCreateParams bundles the fields validated before a session is
// created. Temperature and MaxTokens are pointers so "unset, use default"
// is distinguishable from an explicit zero value.
type SessionCreateParams struct {
	Provider     string
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
}

const (
	maxSystemPromptRunes = 2000
	minSessionMaxTokens  = 1
	maxSessionMaxTokens  = 4000
	minTemperature       = 0.0
	maxTemperature       = 2.0
)

// ValidateSessionCreate checks the fields of a session-creation request:
// provider must be in knownProviders, temperature in [0,2], maxTokens in
// [1,4000], systemPrompt at most 2000 runes.
func (g *Gate) ValidateSessionCreate(p SessionCreateParams, knownProviders map[string]bool) error {
	if p.Provider == "" || !knownProviders[p.Provider] {
		return chat.ErrValidation
	}
	if utf8.RuneCountInString(p.SystemPrompt) > maxSystemPromptRunes {
		return chat.ErrValidation
	}
	if p.Temperature != nil && (*p.Temperature < minTemperature || *p.Temperature > maxTemperature) {
		return chat.ErrValidation
	}
	if p.MaxTokens != nil && (*p.MaxTokens < minSessionMaxTokens || *p.MaxTokens > maxSessionMaxTokens) {
		return chat.ErrValidation
	}
	return nil
}

// ScreenInbound screens a user message before it is admitted to a turn.
// Messages shorter than bypassLenThreshold runes skip the classifier
// entirely, matching spec.md's documented short-message bypass. Longer
// messages are blocked only once the classifier's confidence meets the
// configured threshold, so a borderline score doesn't block legitimate
// conversation.
func (g *Gate) ScreenInbound(content string) Verdict {
	if utf8.RuneCountInString(content) < bypassLenThreshold {
		return Verdict{}
	}
	score, reason := g.classifier.Classify(content)
	if score >= g.inboundConfidenceTh {
		return Verdict{Blocked: true, Reason: reason, Confidence: score}
	}
	return Verdict{Confidence: score}
}

// ScreenOutbound screens a provider's generated content before it is
// relayed to the transport or persisted. Outbound screening has no
// length bypass: a short but disallowed completion is still blocked.
func (g *Gate) ScreenOutbound(content string) Verdict {
	score, reason := g.classifier.Classify(content)
	if score >= g.inboundConfidenceTh {
		return Verdict{Blocked: true, Reason: reason, Confidence: score}
	}
	return Verdict{Confidence: score}
}

// SafeResponse returns the canned assistant-facing message substituted for
// blocked outbound content, so a blocked turn still finalises with a
// coherent assistant message instead of an empty one.
func (g *Gate) SafeResponse() string {
	return "I can't help with that request."
}

// KeywordClassifier is a minimal, dependency-free Classifier used when no
// moderation backend is configured -- the safety-gate analogue of the
// provider registry's mock adapter: always available, never a hard
// dependency for the rest of the pipeline to function.
type KeywordClassifier struct{}

var blockedKeywords = []string{
	"bomb-making", "credit card dump", "child sexual",
}

// Classify returns 1.0 if text contains a disallowed keyword, else 0.
func (KeywordClassifier) Classify(text string) (float64, string) {
	lower := strings.ToLower(text)
	for _, kw := range blockedKeywords {
		if strings.Contains(lower, kw) {
			return 1.0, "matched disallowed keyword: " + kw
		}
	}
	return 0, ""
}
