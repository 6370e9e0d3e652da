package rinkel

import (
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/relay"
)

var (
	// ErrAnonymousCaller means the record carries no usable caller number.
	ErrAnonymousCaller = errors.New("anonymous caller")
	// ErrNoInsights means the record has no insights to report yet.
	ErrNoInsights = errors.New("no insights available")
)

const (
	InsightsAvailable  = "AVAILABLE"
	InsightsInProgress = "IN_PROGRESS"
)

type ExternalNumber struct {
	E164      string `json:"e164"`
	Localized string `json:"localized"`
	Anonymous bool   `json:"anonymous"`
}

type User struct {
	FullName string `json:"fullName"`
}

type MediaLink struct {
	PlayURL        string `json:"playUrl"`
	AvailableUntil string `json:"availableUntil"`
}

type Insights struct {
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	CustomSummary string   `json:"customSummary"`
	Sentiment     string   `json:"sentiment"`
	Topics        []string `json:"topics"`
}

// CallDetails is a Rinkel call detail record, reduced to the fields the relay
// reads.
type CallDetails struct {
	ID             string          `json:"id"`
	CallID         string          `json:"callId"`
	Date           string          `json:"date"`
	Direction      string          `json:"direction"`
	Status         string          `json:"status"`
	Duration       int             `json:"duration"`
	ExternalNumber *ExternalNumber `json:"externalNumber"`
	User           *User           `json:"user"`
	CallRecording  *MediaLink      `json:"callRecording"`
	Voicemail      *MediaLink      `json:"voicemail"`
	Insights       *Insights       `json:"insights"`
}

type CallDetailPage struct {
	Items      []CallDetails
	TotalItems int
}

// CallerNumber prefers the localized form, which is what agents see, and
// falls back to E.164.
func (d CallDetails) CallerNumber() (string, error) {
	ext := d.ExternalNumber
	if ext == nil || ext.Anonymous || strings.TrimSpace(ext.E164) == "" {
		return "", ErrAnonymousCaller
	}
	if localized := strings.TrimSpace(ext.Localized); localized != "" {
		return localized, nil
	}
	return strings.TrimSpace(ext.E164), nil
}

// Event maps the record onto a relay event for phase. The webhook call id
// wins over the record's own id. Insights events fail with ErrNoInsights
// unless insights are available or in progress.
func (d CallDetails) Event(callID string, phase relay.Phase) (relay.CallEvent, error) {
	number, err := d.CallerNumber()
	if err != nil {
		return relay.CallEvent{}, err
	}
	if strings.TrimSpace(callID) == "" {
		callID = d.CallID
	}
	event := relay.CallEvent{
		CallID:       callID,
		Phase:        phase,
		CallerNumber: number,
	}
	switch phase {
	case relay.PhaseEnded:
		event.Direction = relay.Direction(strings.ToLower(strings.TrimSpace(d.Direction)))
		event.Status = relay.CallStatus(strings.ToUpper(strings.TrimSpace(d.Status)))
		event.DurationSeconds = d.Duration
		if d.User != nil {
			event.AgentName = strings.TrimSpace(d.User.FullName)
		}
		event.Recording = d.CallRecording.media()
		event.Voicemail = d.Voicemail.media()
	case relay.PhaseInsightsReady:
		insights := d.Insights
		if insights == nil {
			return relay.CallEvent{}, ErrNoInsights
		}
		switch strings.ToUpper(strings.TrimSpace(insights.Status)) {
		case InsightsAvailable:
			event.Summary = strings.TrimSpace(insights.Summary)
			if event.Summary == "" {
				event.Summary = strings.TrimSpace(insights.CustomSummary)
			}
			event.Sentiment = relay.ParseSentiment(insights.Sentiment)
			event.Topics = append([]string(nil), insights.Topics...)
		case InsightsInProgress:
			event.InsightsPending = true
		default:
			return relay.CallEvent{}, ErrNoInsights
		}
	}
	return event, nil
}

func (m *MediaLink) media() *relay.Media {
	if m == nil || strings.TrimSpace(m.PlayURL) == "" {
		return nil
	}
	return &relay.Media{
		URL:            strings.TrimSpace(m.PlayURL),
		AvailableUntil: parseAvailableUntil(m.AvailableUntil),
	}
}

func parseAvailableUntil(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	if len(raw) >= 10 {
		if ts, err := time.Parse(time.DateOnly, raw[:10]); err == nil {
			return ts
		}
	}
	return time.Time{}
}
