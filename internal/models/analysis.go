package models

import "strings"

// Urgency is the urgency level assigned by intent classification.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ParseUrgency normalizes a provider-supplied urgency. Unknown values yield "".
func ParseUrgency(s string) Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "basse", "faible":
		return UrgencyLow
	case "medium", "moyenne":
		return UrgencyMedium
	case "high", "haute":
		return UrgencyHigh
	default:
		return ""
	}
}

// IntentAnalysis is the structured classification of one inbound message.
type IntentAnalysis struct {
	Intent          string  `json:"intent"`
	Urgency         Urgency `json:"urgency"`
	Category        string  `json:"category"`
	RequiresHuman   bool    `json:"requires_human"`
	SuggestedAction string  `json:"suggested_action"`
}

// Sentiment labels returned by sentiment analysis.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// SentimentAnalysis is the structured sentiment of a text.
type SentimentAnalysis struct {
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Emotions   []string  `json:"emotions"`
	Summary    string    `json:"summary"`
}

// ParseSentiment normalizes a provider-supplied sentiment label, accepting
// the French labels the prompts may produce. Unknown values yield neutral.
func ParseSentiment(s string) Sentiment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "positif":
		return SentimentPositive
	case "negative", "negatif", "négatif":
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
