package analysis

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state reported by the analysis service.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus normalises a wire status, which the backend may send in any case.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown analysis status %q", raw)
	}
}

// Terminal reports whether no further polling is needed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result is one immutable answer from the analysis service. Every poll
// produces a fresh Result; callers never merge two of them.
type Result struct {
	AnalysisID    string
	Status        Status
	IsAIGenerated *bool
	Confidence    *float64
	Message       string
	Explanation   string
	Provider      string
	CreatedAt     string
	UpdatedAt     string
}
