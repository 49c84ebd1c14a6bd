package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/ai-check-client/internal/analysis"
)

type resultResponse struct {
	AnalysisID    string          `json:"analysis_id"`
	RequestID     string          `json:"requestId"`
	Status        string          `json:"status"`
	IsAIGenerated *bool           `json:"isAIGenerated"`
	Label         string          `json:"result"`
	Confidence    confidenceValue `json:"confidence"`
	Message       string          `json:"message"`
	Explanation   string          `json:"explanation"`
	Provider      string          `json:"provider"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

func (r resultResponse) toResult(requested string) (*analysis.Result, error) {
	status, err := analysis.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}

	id := requested
	switch {
	case r.AnalysisID != "":
		id = r.AnalysisID
	case r.RequestID != "":
		id = r.RequestID
	}

	verdict := r.IsAIGenerated
	if verdict == nil && strings.TrimSpace(r.Label) != "" {
		isAI := strings.EqualFold(strings.TrimSpace(r.Label), "ai")
		verdict = &isAI
	}

	return &analysis.Result{
		AnalysisID:    id,
		Status:        status,
		IsAIGenerated: verdict,
		Confidence:    r.Confidence.value,
		Message:       r.Message,
		Explanation:   r.Explanation,
		Provider:      r.Provider,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// confidenceValue accepts a JSON number, a numeric string or null.
type confidenceValue struct {
	value *float64
}

func (c *confidenceValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		c.value = nil
		return nil
	}

	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		c.value = &number
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.value = nil
		return nil
	}
	number, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(number) || math.IsInf(number, 0) {
		return fmt.Errorf("confidence: invalid value %q", text)
	}
	c.value = &number
	return nil
}
