package relay

import (
	"strings"
	"time"
)

type Phase string

const (
	PhaseEnded         Phase = "ended"
	PhaseInsightsReady Phase = "insights_ready"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// CallStatus carries the provider status verbatim; unknown values are kept
// and rendered as-is.
type CallStatus string

const (
	StatusAnswered         CallStatus = "ANSWERED"
	StatusMissed           CallStatus = "MISSED"
	StatusVoicemailLeft    CallStatus = "VOICEMAIL"
	StatusAnsweringService CallStatus = "ANSWERING_SERVICE"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentUnknown  Sentiment = "UNKNOWN"
)

// ParseSentiment maps provider values onto the known set. Anything else,
// including the empty string, is SentimentUnknown.
func ParseSentiment(raw string) Sentiment {
	switch Sentiment(strings.ToUpper(strings.TrimSpace(raw))) {
	case SentimentPositive:
		return SentimentPositive
	case SentimentNeutral:
		return SentimentNeutral
	case SentimentNegative:
		return SentimentNegative
	default:
		return SentimentUnknown
	}
}

// Media is a playable recording or voicemail with its availability window.
type Media struct {
	URL            string    `json:"url"`
	AvailableUntil time.Time `json:"availableUntil,omitempty"`
}

// CallEvent is one webhook delivery, fully populated by the ingestion layer.
type CallEvent struct {
	CallID       string     `json:"callId"`
	Phase        Phase      `json:"phase"`
	Direction    Direction  `json:"direction,omitempty"`
	CallerNumber string     `json:"callerNumber,omitempty"`
	Status       CallStatus `json:"status,omitempty"`

	// Ended phase.
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	AgentName       string `json:"agentName,omitempty"`
	Recording       *Media `json:"recording,omitempty"`
	Voicemail       *Media `json:"voicemail,omitempty"`

	// InsightsReady phase.
	Summary         string    `json:"summary,omitempty"`
	Sentiment       Sentiment `json:"sentiment,omitempty"`
	Topics          []string  `json:"topics,omitempty"`
	InsightsPending bool      `json:"insightsPending,omitempty"`
}

type EndedData struct {
	Direction       Direction  `json:"direction"`
	CallerNumber    string     `json:"callerNumber,omitempty"`
	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"durationSeconds"`
	AgentName       string     `json:"agentName,omitempty"`
	Recording       *Media     `json:"recording,omitempty"`
	Voicemail       *Media     `json:"voicemail,omitempty"`
}

type InsightsData struct {
	Summary   string    `json:"summary,omitempty"`
	Sentiment Sentiment `json:"sentiment,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
}

// Validate rejects events missing a field required by their phase.
func (e CallEvent) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return malformed("", "callId is required")
	}
	switch e.Phase {
	case PhaseEnded:
		if e.Direction != Inbound && e.Direction != Outbound {
			return malformed(e.CallID, "direction %q is not inbound or outbound", e.Direction)
		}
		if strings.TrimSpace(string(e.Status)) == "" {
			return malformed(e.CallID, "status is required for the ended phase")
		}
		if strings.TrimSpace(e.CallerNumber) == "" {
			return malformed(e.CallID, "callerNumber is required for the ended phase")
		}
		if e.DurationSeconds < 0 {
			return malformed(e.CallID, "durationSeconds must not be negative")
		}
		if e.Recording != nil && strings.TrimSpace(e.Recording.URL) == "" {
			return malformed(e.CallID, "recording without url")
		}
		if e.Voicemail != nil && strings.TrimSpace(e.Voicemail.URL) == "" {
			return malformed(e.CallID, "voicemail without url")
		}
	case PhaseInsightsReady:
		if e.Sentiment != "" && ParseSentiment(string(e.Sentiment)) != e.Sentiment {
			return malformed(e.CallID, "sentiment %q is not recognised", e.Sentiment)
		}
	default:
		return malformed(e.CallID, "unknown phase %q", e.Phase)
	}
	return nil
}

func (e CallEvent) endedData() EndedData {
	return EndedData{
		Direction:       e.Direction,
		CallerNumber:    strings.TrimSpace(e.CallerNumber),
		Status:          e.Status,
		DurationSeconds: e.DurationSeconds,
		AgentName:       strings.TrimSpace(e.AgentName),
		Recording:       cloneMedia(e.Recording),
		Voicemail:       cloneMedia(e.Voicemail),
	}
}

func (e CallEvent) insightsData() InsightsData {
	sentiment := e.Sentiment
	if sentiment == "" {
		sentiment = SentimentUnknown
	}
	return InsightsData{
		Summary:   strings.TrimSpace(e.Summary),
		Sentiment: sentiment,
		Topics:    append([]string(nil), e.Topics...),
		Pending:   e.InsightsPending,
	}
}

func cloneMedia(m *Media) *Media {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}
