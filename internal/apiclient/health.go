package apiclient

import "time"

// Health is the observed state of the backend as seen by this client.
// It backs the /ready endpoint and `dashboard status` output.
type Health struct {
	Name                string        `json:"name" yaml:"name"`
	LastSuccess         time.Time     `json:"last_success" yaml:"last_success"`
	LastFailure         time.Time     `json:"last_failure" yaml:"last_failure"`
	LastError           string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastDuration        time.Duration `json:"last_duration" yaml:"last_duration"`
	ConsecutiveFailures int           `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// Healthy reports whether the last call succeeded or nothing has failed yet.
func (h Health) Healthy() bool {
	return h.ConsecutiveFailures == 0
}

// HealthProvider is implemented by components that track their upstream.
type HealthProvider interface {
	Health() Health
}

// Health returns a snapshot of the backend health.
func (c *Client) Health() Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

func (c *Client) recordHealth(err error, duration time.Duration) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	c.health.LastDuration = duration
	if err == nil {
		c.health.LastSuccess = c.clock.Now()
		c.health.LastError = ""
		c.health.ConsecutiveFailures = 0
		return
	}

	c.health.LastFailure = c.clock.Now()
	c.health.LastError = err.Error()
	c.health.ConsecutiveFailures++
}
