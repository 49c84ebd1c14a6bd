package view

import (
	"fmt"
	"time"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/usecase"
)

const (
	HeadlineAI         = "AI-generated image"
	HeadlineReal       = "Real image"
	HeadlineProcessing = "Processing..."
	HeadlineFailed     = "Error"
	HeadlinePending    = "Pending"

	notAvailable = "N/A"
	dateLayout   = "January 2, 2006 15:04"
)

// Tone selects the colour scheme of a card.
type Tone string

const (
	ToneAI      Tone = "ai"
	ToneReal    Tone = "real"
	ToneWaiting Tone = "waiting"
	ToneFailed  Tone = "failed"
)

// Band groups confidence values for display.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Card is the display form of one analysis result.
type Card struct {
	AnalysisID  string  `json:"analysis_id"`
	Status      string  `json:"status"`
	Headline    string  `json:"headline"`
	Tone        Tone    `json:"tone"`
	Done        bool    `json:"done"`
	Confidence  string  `json:"confidence,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
	Band        Band    `json:"band,omitempty"`
	Message     string  `json:"message,omitempty"`
	Explanation string  `json:"explanation,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ShowRetry   bool    `json:"show_retry"`
}

// Notice is a message shown above the upload form.
type Notice struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Page is everything the upload screen renders.
type Page struct {
	Version   uint64  `json:"version"`
	State     string  `json:"state"`
	FileName  string  `json:"file_name,omitempty"`
	Preview   string  `json:"preview,omitempty"`
	CanSubmit bool    `json:"can_submit"`
	Polling   bool    `json:"polling"`
	Retrying  bool    `json:"retrying"`
	Attempts  int     `json:"attempts"`
	Notice    *Notice `json:"notice,omitempty"`
	Card      *Card   `json:"card,omitempty"`
}

// FromSnapshot maps the flow state to the upload page.
func FromSnapshot(snap usecase.Snapshot) Page {
	page := Page{
		Version:  snap.Version,
		State:    string(snap.State),
		FileName: snap.FileName,
		Preview:  snap.Preview,
		Polling:  snap.Polling,
		Retrying: snap.Retrying,
		Attempts: snap.Attempts,
		CanSubmit: snap.FileName != "" &&
			snap.State != usecase.StateSubmitting &&
			snap.State != usecase.StatePolling,
	}
	if snap.Notice.Text != "" {
		page.Notice = &Notice{Level: string(snap.Notice.Level), Text: snap.Notice.Text}
	}

	switch {
	case snap.Result != nil:
		card := NewCard(*snap.Result)
		page.Card = &card
	case snap.AnalysisID != "":
		card := NewCard(analysis.Result{AnalysisID: snap.AnalysisID, Status: analysis.StatusPending})
		page.Card = &card
	}
	if page.Card != nil {
		page.Card.ShowRetry = snap.State == usecase.StateAttemptsExhausted && !page.Card.Done
	}
	return page
}

// NewCard renders a single result.
func NewCard(r analysis.Result) Card {
	card := Card{
		AnalysisID:  r.AnalysisID,
		Status:      string(r.Status),
		Message:     r.Message,
		Explanation: r.Explanation,
		Provider:    r.Provider,
		CreatedAt:   FormatTimestamp(r.CreatedAt),
		UpdatedAt:   FormatTimestamp(r.UpdatedAt),
	}

	switch r.Status {
	case analysis.StatusCompleted:
		card.Done = true
		if r.IsAIGenerated != nil && *r.IsAIGenerated {
			card.Headline, card.Tone = HeadlineAI, ToneAI
		} else {
			card.Headline, card.Tone = HeadlineReal, ToneReal
		}
		if r.Confidence != nil && *r.Confidence > 0 {
			card.Percent = *r.Confidence * 100
			card.Confidence = fmt.Sprintf("%.1f%%", card.Percent)
			card.Band = ConfidenceBand(*r.Confidence)
		}
	case analysis.StatusFailed:
		card.Done = true
		card.Headline, card.Tone = HeadlineFailed, ToneFailed
	case analysis.StatusProcessing:
		card.Headline, card.Tone = HeadlineProcessing, ToneWaiting
	default:
		card.Headline, card.Tone = HeadlinePending, ToneWaiting
	}
	return card
}

// ConfidenceBand classifies a confidence in [0, 1].
func ConfidenceBand(confidence float64) Band {
	switch {
	case confidence >= 0.8:
		return BandHigh
	case confidence >= 0.6:
		return BandMedium
	default:
		return BandLow
	}
}

// FormatTimestamp renders a backend timestamp, returning it unchanged when it
// cannot be parsed.
func FormatTimestamp(raw string) string {
	if raw == "" {
		return notAvailable
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(dateLayout)
		}
	}
	return raw
}
