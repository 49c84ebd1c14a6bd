package analysis

import "context"

// Client exposes the subset of the analysis gateway used by the upload flow.
type Client interface {
	// Submit sends the image for analysis and returns the analysis identifier.
	Submit(ctx context.Context, upload Upload) (string, error)
	// FetchResult returns the current state of a submitted analysis.
	FetchResult(ctx context.Context, analysisID string) (*Result, error)
}
