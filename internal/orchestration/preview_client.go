package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/chiscode/orchestrator/internal/models"
)

// PreviewClient provisions a live preview for a generated project. Preview is
// best effort: a failure here never fails the run.
type PreviewClient interface {
	CreatePreview(ctx context.Context, files models.GenerationResult) (string, error)
}

// HTTPPreviewClient talks to the preview provisioning service.
type HTTPPreviewClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewHTTPPreviewClient creates a preview client with the given per-request
// timeout.
func NewHTTPPreviewClient(baseURL string, timeout time.Duration) *HTTPPreviewClient {
	return &HTTPPreviewClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tracer: otel.Tracer("preview-client"),
	}
}

type previewRequest struct {
	Files models.GenerationResult `json:"files"`
}

type previewResponse struct {
	URL string `json:"url"`
}

// CreatePreview uploads the generated files and returns the preview URL.
func (c *HTTPPreviewClient) CreatePreview(ctx context.Context, files models.GenerationResult) (string, error) {
	ctx, span := c.tracer.Start(ctx, "preview.create")
	defer span.End()

	span.SetAttributes(attribute.Int("files.count", len(files)))

	jsonData, err := json.Marshal(previewRequest{Files: files})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal preview request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/previews", bytes.NewBuffer(jsonData))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to create preview request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", models.ErrPreviewUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return "", fmt.Errorf("%w: status %d: %s", models.ErrPreviewUnavailable, resp.StatusCode, string(bodyBytes))
	}

	var pr previewResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: bad response: %v", models.ErrPreviewUnavailable, err)
	}

	span.SetAttributes(attribute.String("preview.url", pr.URL))
	return pr.URL, nil
}
