package relay

import (
	"fmt"
	"strings"
)

// ActivityContent is the rendered activity plus the structured call fields a
// CRM task carries next to its text.
type ActivityContent struct {
	Title           string
	Body            string
	CallID          string
	Direction       Direction
	DurationSeconds int
}

type WriteDecision struct {
	Create     bool
	ActivityID string
}

const (
	partialMarker         = "(gespreksgegevens volgen)"
	insightsHeader        = "--- AI Inzichten ---"
	insightsPendingMarker = "--- AI Inzichten worden verwerkt... ---"
	titlePrefix           = "Gesprek"
)

var statusLabels = map[CallStatus]string{
	StatusAnswered:         "Beantwoord",
	StatusMissed:           "Gemist",
	StatusVoicemailLeft:    "Voicemail",
	StatusAnsweringService: "Antwoordservice",
}

var sentimentLabels = map[Sentiment]string{
	SentimentPositive: "Positief",
	SentimentNeutral:  "Neutraal",
	SentimentNegative: "Negatief",
	SentimentUnknown:  "Onbekend",
}

func DirectionLabel(d Direction) string {
	if d == Inbound {
		return "Inkomend"
	}
	return "Uitgaand"
}

func StatusLabel(s CallStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

func SentimentLabel(s Sentiment) string {
	if label, ok := sentimentLabels[s]; ok {
		return label
	}
	return string(s)
}

// FormatDuration renders seconds as M:SS min.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d min", seconds/60, seconds%60)
}

// Compose renders entry. It is a pure function of the entry.
func Compose(entry CorrelationEntry) ActivityContent {
	content := ActivityContent{CallID: entry.CallID, Title: titlePrefix}
	var lines []string

	if ended := entry.Ended; ended != nil {
		direction := DirectionLabel(ended.Direction)
		status := StatusLabel(ended.Status)
		content.Title = fmt.Sprintf("%s %s – %s", titlePrefix, direction, status)
		content.Direction = ended.Direction
		content.DurationSeconds = ended.DurationSeconds

		lines = append(lines,
			"Richting  : "+direction,
			"Status    : "+status,
			"Duur      : "+FormatDuration(ended.DurationSeconds),
		)
		if ended.CallerNumber != "" {
			lines = append(lines, "Nummer    : "+ended.CallerNumber)
		}
		if ended.AgentName != "" {
			lines = append(lines, "Medewerker: "+ended.AgentName)
		}
		lines = appendMedia(lines, "Opname", ended.Recording)
		lines = appendMedia(lines, "Voicemail", ended.Voicemail)
	} else {
		lines = append(lines, partialMarker)
	}

	if insights := entry.Insights; insights != nil {
		if insights.Pending {
			lines = append(lines, "", insightsPendingMarker)
		} else {
			lines = append(lines, "", insightsHeader)
			if insights.Summary != "" {
				lines = append(lines, "Samenvatting:\n"+insights.Summary)
			}
			if insights.Sentiment != "" {
				lines = append(lines, "Sentiment: "+SentimentLabel(insights.Sentiment))
			}
			if len(insights.Topics) > 0 {
				lines = append(lines, "Onderwerpen: "+strings.Join(insights.Topics, ", "))
			}
		}
	}

	content.Body = strings.Join(lines, "\n")
	return content
}

func appendMedia(lines []string, label string, media *Media) []string {
	if media == nil || media.URL == "" {
		return lines
	}
	header := label + ":"
	if !media.AvailableUntil.IsZero() {
		header = fmt.Sprintf("%s (beschikbaar tot %s):", label, media.AvailableUntil.UTC().Format("2006-01-02"))
	}
	return append(lines, "", header, media.URL)
}

// Decide picks create for an entry without an activity, otherwise an update
// of that activity.
func Decide(entry CorrelationEntry) WriteDecision {
	if entry.ActivityID == "" {
		return WriteDecision{Create: true}
	}
	return WriteDecision{ActivityID: entry.ActivityID}
}
