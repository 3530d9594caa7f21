package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/platform/resilience"
)

// Path is where the board is served.
const Path = "/api/notifications"

// Pusher delivers payloads to the board.
type Pusher interface {
	Push(ctx context.Context, p Payload) error
}

// HTTPPusher posts payloads to a remote board and polls its feed. Calls go
// through a circuit breaker so a dead board is not hammered by every page.
type HTTPPusher struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  *observability.Logger
}

// HTTPPusherConfig configures an HTTPPusher.
type HTTPPusherConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Timeout    time.Duration
}

// NewHTTPPusher creates an HTTPPusher for the board at BaseURL.
func NewHTTPPusher(cfg HTTPPusherConfig) (*HTTPPusher, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("status: base URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger.WithComponent("status-pusher")
	breaker := cfg.Breaker
	if breaker == nil {
		metrics := cfg.Metrics
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "status-board",
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			// A throttled or rejected push means the board is up.
			IsFailure: func(err error) bool {
				var reqErr *apiclient.RequestError
				if errors.As(err, &reqErr) {
					return reqErr.Status >= 500
				}
				return true
			},
			OnStateChange: func(from, to resilience.State) {
				logger.Info("status board circuit breaker state changed", "from", from.String(), "to", to.String())
				metrics.SetCircuitBreakerState(context.Background(), "status-board", int64(to))
			},
		})
	}

	return &HTTPPusher{
		url:     strings.TrimRight(cfg.BaseURL, "/") + Path,
		client:  cfg.HTTPClient,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Push posts p to the board.
func (h *HTTPPusher) Push(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return h.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := h.do(ctx, http.MethodPost, body)
		return err
	})
}

// Poll fetches the current feed.
func (h *HTTPPusher) Poll(ctx context.Context) (*Feed, error) {
	return resilience.ExecuteWithResult(h.breaker, ctx, func(ctx context.Context) (*Feed, error) {
		data, err := h.do(ctx, http.MethodGet, nil)
		if err != nil {
			return nil, err
		}
		var feed Feed
		if err := json.Unmarshal(data, &feed); err != nil {
			return nil, fmt.Errorf("%w: %v", apiclient.ErrInvalidResponse, err)
		}
		return &feed, nil
	})
}

// BreakerState returns the circuit breaker state.
func (h *HTTPPusher) BreakerState() resilience.State {
	return h.breaker.State()
}

func (h *HTTPPusher) do(ctx context.Context, method string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status board request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiclient.RequestError{
			Method:   method,
			Endpoint: Path,
			Status:   resp.StatusCode,
			Details:  boardError(data),
		}
	}
	return data, nil
}

func boardError(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
