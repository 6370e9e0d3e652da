package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeEndedOnly(t *testing.T) {
	entry := CorrelationEntry{CallID: "c1"}
	merge(&entry, endedEvent("c1"))

	content := Compose(entry)
	assert.Equal(t, "Gesprek Inkomend – Beantwoord", content.Title)
	assert.Equal(t, strings.Join([]string{
		"Richting  : Inkomend",
		"Status    : Beantwoord",
		"Duur      : 4:32 min",
		"Nummer    : 0612345678",
		"Medewerker: Jan de Vries",
		"",
		"Opname (beschikbaar tot 2026-05-01):",
		"https://media.example.test/rec1",
	}, "\n"), content.Body)
	assert.Equal(t, "c1", content.CallID)
	assert.Equal(t, Inbound, content.Direction)
	assert.Equal(t, 272, content.DurationSeconds)
}

func TestComposeAppendsInsightsWithoutTouchingCallLines(t *testing.T) {
	entry := CorrelationEntry{CallID: "c1"}
	merge(&entry, endedEvent("c1"))
	before := Compose(entry)

	merge(&entry, insightsEvent("c1"))
	after := Compose(entry)

	assert.Equal(t, before.Title, after.Title)
	require.True(t, strings.HasPrefix(after.Body, before.Body), "call lines must be unchanged")
	assert.Equal(t, strings.Join([]string{
		"",
		"--- AI Inzichten ---",
		"Samenvatting:",
		"Klant vraagt naar levertijd.",
		"Sentiment: Positief",
		"Onderwerpen: levering, product",
	}, "\n"), strings.TrimPrefix(after.Body, before.Body))
}

func TestComposeInsightsOnlyIsMarkedPartial(t *testing.T) {
	entry := CorrelationEntry{CallID: "c2"}
	merge(&entry, insightsEvent("c2"))

	content := Compose(entry)
	assert.Equal(t, "Gesprek", content.Title)
	assert.True(t, strings.HasPrefix(content.Body, "(gespreksgegevens volgen)\n"))
	assert.Contains(t, content.Body, "Sentiment: Positief")
	assert.Empty(t, content.Direction)
}

func TestComposeLabelsAndOptionalSections(t *testing.T) {
	entry := CorrelationEntry{
		CallID: "c3",
		Ended: &EndedData{
			Direction:       Outbound,
			Status:          "TRANSFERRED",
			DurationSeconds: 5,
			Voicemail:       &Media{URL: "https://media.example.test/vm"},
		},
		Insights: &InsightsData{Pending: true},
	}
	content := Compose(entry)
	assert.Equal(t, "Gesprek Uitgaand – TRANSFERRED", content.Title)
	assert.Equal(t, strings.Join([]string{
		"Richting  : Uitgaand",
		"Status    : TRANSFERRED",
		"Duur      : 0:05 min",
		"",
		"Voicemail:",
		"https://media.example.test/vm",
		"",
		"--- AI Inzichten worden verwerkt... ---",
	}, "\n"), content.Body)
}

func TestComposeStatusAndSentimentLabels(t *testing.T) {
	assert.Equal(t, "Gemist", StatusLabel(StatusMissed))
	assert.Equal(t, "Voicemail", StatusLabel(StatusVoicemailLeft))
	assert.Equal(t, "Antwoordservice", StatusLabel(StatusAnsweringService))
	assert.Equal(t, "Negatief", SentimentLabel(SentimentNegative))
	assert.Equal(t, "Neutraal", SentimentLabel(SentimentNeutral))
	assert.Equal(t, "Onbekend", SentimentLabel(SentimentUnknown))
	assert.Equal(t, "61:01 min", FormatDuration(3661))
}

func TestComposeIsDeterministic(t *testing.T) {
	entry := CorrelationEntry{CallID: "c4", RecordID: "a01", ActivityID: "task_1"}
	merge(&entry, endedEvent("c4"))
	merge(&entry, insightsEvent("c4"))

	first := Compose(entry)
	second := Compose(entry.Clone())
	assert.Equal(t, first, second)
}

func TestDecide(t *testing.T) {
	assert.Equal(t, WriteDecision{Create: true}, Decide(CorrelationEntry{CallID: "c1"}))
	assert.Equal(t, WriteDecision{ActivityID: "task_9"}, Decide(CorrelationEntry{CallID: "c1", ActivityID: "task_9"}))
}
