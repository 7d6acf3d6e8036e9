package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/models"
)

// EngineClient is the boundary to the generation engine service. All pipeline
// stages that leave the process go through this interface.
type EngineClient interface {
	Analyze(ctx context.Context, text string) (*models.Requirements, error)
	SelectStack(ctx context.Context, req *models.Requirements) (*models.TechStack, error)
	GenerateStream(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan GenerationEvent, error)
	Validate(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error)
	Repair(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error)
}

// GenerationEvent is one unit of the engine's generation stream. The stream
// is finite, ordered, and not restartable. Err is set when the stream
// terminated abnormally; the channel is closed right after.
type GenerationEvent struct {
	Kind    string `json:"kind"` // "file", "progress" or "end"
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// HTTPEngineClient talks to the engine over HTTP, plus a WebSocket for the
// generation stream.
type HTTPEngineClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

// NewHTTPEngineClient creates an engine client with a circuit breaker around
// every outbound call.
func NewHTTPEngineClient(baseURL string, log *zap.Logger) *HTTPEngineClient {
	settings := gobreaker.Settings{
		Name:        "generation-engine",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &HTTPEngineClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		tracer:  otel.Tracer("engine-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

type analyzeRequest struct {
	Text string `json:"text"`
}

// Analyze extracts structured requirements from free-form user text.
func (c *HTTPEngineClient) Analyze(ctx context.Context, text string) (*models.Requirements, error) {
	ctx, span := c.tracer.Start(ctx, "engine.analyze")
	defer span.End()

	var req models.Requirements
	if err := c.postJSON(ctx, "/v1/analyze", analyzeRequest{Text: text}, &req); err != nil {
		span.RecordError(err)
		return nil, &models.ExtractionError{Reason: "engine call failed", Cause: err}
	}

	span.SetAttributes(
		attribute.String("project.name", req.ProjectName),
		attribute.Int("features.count", len(req.Features)),
	)
	return &req, nil
}

// SelectStack asks the engine for a tech-stack proposal. Deterministic for
// identical requirements, which keeps test replay possible.
func (c *HTTPEngineClient) SelectStack(ctx context.Context, req *models.Requirements) (*models.TechStack, error) {
	ctx, span := c.tracer.Start(ctx, "engine.select_stack")
	defer span.End()

	var stack models.TechStack
	if err := c.postJSON(ctx, "/v1/stack", req, &stack); err != nil {
		span.RecordError(err)
		return nil, &models.StackSelectionError{Cause: err}
	}
	return &stack, nil
}

type validateRequest struct {
	Files models.GenerationResult `json:"files"`
}

// Validate runs the engine's validator over the generated files.
func (c *HTTPEngineClient) Validate(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error) {
	ctx, span := c.tracer.Start(ctx, "engine.validate")
	defer span.End()

	span.SetAttributes(attribute.Int("files.count", len(files)))

	var report models.ValidationReport
	if err := c.postJSON(ctx, "/v1/validate", validateRequest{Files: files}, &report); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("validation call failed: %w", err)
	}
	return &report, nil
}

type repairRequest struct {
	Files  models.GenerationResult `json:"files"`
	Errors []models.Diagnostic     `json:"errors"`
}

type repairResponse struct {
	Files models.GenerationResult `json:"files"`
}

// Repair asks the engine to fix the reported diagnostics.
func (c *HTTPEngineClient) Repair(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error) {
	ctx, span := c.tracer.Start(ctx, "engine.repair")
	defer span.End()

	span.SetAttributes(attribute.Int("errors.count", len(errs)))

	var resp repairResponse
	if err := c.postJSON(ctx, "/v1/repair", repairRequest{Files: files, Errors: errs}, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("repair call failed: %w", err)
	}
	return resp.Files, nil
}

type generateRequest struct {
	Requirements *models.Requirements `json:"requirements"`
	Stack        *models.TechStack    `json:"stack"`
}

// GenerateStream dials the engine's streaming endpoint and returns an ordered
// channel of generation events. The channel closes when the engine sends the
// end marker, the stream fails, or ctx is cancelled. Cancellation is
// signalled by simply ceasing to consume; no abort message is sent.
func (c *HTTPEngineClient) GenerateStream(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan GenerationEvent, error) {
	ctx, span := c.tracer.Start(ctx, "engine.generate_stream")
	defer span.End()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.dialGenerate(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to open generation stream: %w", err)
	}
	conn := result.(*websocket.Conn)

	if err := conn.WriteJSON(generateRequest{Requirements: req, Stack: stack}); err != nil {
		conn.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to send generation request: %w", err)
	}

	events := make(chan GenerationEvent, 64)

	// Unblock the reader when the consumer cancels.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()

		for {
			var ev GenerationEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				events <- GenerationEvent{Err: fmt.Errorf("generation stream failed: %w", err)}
				return
			}
			if ev.Kind == "end" {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (c *HTTPEngineClient) dialGenerate(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	u.Path = "/v1/generate/stream"

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	headers := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("failed to dial generation stream (status %d): %s: %w", resp.StatusCode, string(bodyBytes), err)
		}
		return nil, fmt.Errorf("failed to dial generation stream: %w", err)
	}

	return conn, nil
}

// postJSON performs a circuit-broken POST with trace propagation and decodes
// the JSON response into out.
func (c *HTTPEngineClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			bodyBytes, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return nil, fmt.Errorf("engine returned status %d (failed to read body: %w)", resp.StatusCode, readErr)
			}
			return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(bodyBytes))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, nil
	})
	return err
}

// IsHealthy checks the engine's health endpoint. The open circuit breaker is
// treated as unhealthy without a network round trip.
func (c *HTTPEngineClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "engine.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}
