package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/apperror"
	"github.com/example/ai-check-client/internal/logging"
)

const (
	defaultUploadError = "failed to upload the image"
	defaultResultError = "failed to fetch the results"

	maxResponseBytes = 1 << 20
)

// TokenSource supplies the bearer token attached to every gateway call.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client talks to the analysis gateway over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithNow replaces the time source used to build storage keys.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a gateway client rooted at baseURL.
func New(baseURL string, tokens TokenSource, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  logger.Named("gateway"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type uploadRequest struct {
	FileB64 string `json:"file_b64"`
	Key     string `json:"key,omitempty"`
}

type uploadResponse struct {
	AnalysisID string `json:"analysis_id"`
}

// StorageKey is the object key the backend stores the upload under.
func StorageKey(at time.Time, fileName string) string {
	return fmt.Sprintf("uploads/%d-%s", at.UnixMilli(), fileName)
}

// Submit uploads the image and returns the analysis identifier.
func (c *Client) Submit(ctx context.Context, upload analysis.Upload) (string, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "gateway.submit", requestID)

	body, err := json.Marshal(uploadRequest{
		FileB64: base64.StdEncoding.EncodeToString(upload.Data),
		Key:     StorageKey(c.now(), upload.Name),
	})
	if err != nil {
		return "", apperror.Transport(defaultUploadError, logging.NewOperationError("gateway.submit", requestID, err))
	}

	var resp uploadResponse
	if err := c.do(ctx, requestID, http.MethodPost, "/upload", nil, body, defaultUploadError, &resp); err != nil {
		opLogger.Error("upload failed", zap.Error(err), zap.String("file", upload.Name))
		return "", err
	}
	if resp.AnalysisID == "" {
		err := apperror.Transport(defaultUploadError, logging.NewOperationError("gateway.submit", requestID, errors.New("response did not include an analysis_id")))
		opLogger.Error("upload failed", zap.Error(err))
		return "", err
	}

	opLogger.Info("image submitted", zap.String("analysis_id", resp.AnalysisID), zap.Int64("bytes", upload.Size()))
	return resp.AnalysisID, nil
}

// FetchResult retrieves the current result for analysisID.
func (c *Client) FetchResult(ctx context.Context, analysisID string) (*analysis.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "gateway.fetch_result", requestID).With(zap.String("analysis_id", analysisID))

	var resp resultResponse
	query := url.Values{"analysis_id": []string{analysisID}}
	if err := c.do(ctx, requestID, http.MethodGet, "/results", query, nil, defaultResultError, &resp); err != nil {
		opLogger.Warn("fetch result failed", zap.Error(err))
		return nil, err
	}

	result, err := resp.toResult(analysisID)
	if err != nil {
		wrapped := apperror.Transport(defaultResultError, logging.NewOperationError("gateway.fetch_result", requestID, err))
		opLogger.Warn("unusable result payload", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Debug("result fetched", zap.String("status", string(result.Status)))
	return result, nil
}

func (c *Client) do(ctx context.Context, requestID, method, path string, query url.Values, body []byte, fallback string, out any) error {
	operation := "gateway." + strings.ToLower(method) + path

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperror.Transport(fallback, logging.NewOperationError(operation, requestID, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.Transport(fallback, logging.NewOperationError(operation, requestID, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperror.Transport(fallback, logging.NewOperationError(operation, requestID, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cause := fmt.Errorf("unexpected status code %d", resp.StatusCode)
		return apperror.Transport(errorMessage(data, fallback), logging.NewOperationError(operation, requestID, cause))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperror.Transport(fallback, logging.NewOperationError(operation, requestID, err))
	}
	return nil
}

// errorMessage extracts the server's explanation from an error body.
func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}
	if msg := strings.TrimSpace(payload.Error); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}
	return fallback
}
