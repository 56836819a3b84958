package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrHECQueueFull is returned when an entry is dropped because the send queue is full
	ErrHECQueueFull = errors.New("HEC queue full, entry dropped")
	// ErrHECClosed is returned by Log after Close
	ErrHECClosed = errors.New("HEC sink closed")
)

// HECSink forwards audit entries to Splunk via the HTTP Event Collector.
// Log only enqueues; a background worker sends and retries, so a slow or
// unreachable collector never holds up the caller.
type HECSink struct {
	config     HECConfig
	httpClient *http.Client

	queue     chan []byte
	qmu       sync.RWMutex
	closed    bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.RWMutex
	stats HECStats
}

// HECConfig holds HEC sink configuration.
type HECConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	QueueSize    int           `yaml:"queue_size"`
}

// DefaultHECConfig returns sensible defaults.
func DefaultHECConfig() HECConfig {
	return HECConfig{
		Index:        "responseforge_audit",
		SourceType:   "responseforge:audit",
		Source:       "responseforge",
		Timeout:      10 * time.Second,
		RetryCount:   2,
		RetryBackoff: time.Second,
		QueueSize:    1024,
	}
}

// HECStats tracks sink metrics.
type HECStats struct {
	EventsSent    int64
	EventsFailed  int64
	EventsDropped int64
	BytesSent     int64
	LastSendAt    time.Time
}

type hecEvent struct {
	Time       float64        `json:"time"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      Entry          `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECSink creates a new HEC sink and starts its sender. Call Close to
// flush and stop it.
func NewHECSink(config HECConfig) (*HECSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("HEC token is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHECConfig().Timeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultHECConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &HECSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		queue:  make(chan []byte, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Log implements Sink. The entry is queued for delivery; ctx is not used
// because delivery outlives the caller.
func (s *HECSink) Log(_ context.Context, e Entry) (string, error) {
	e = prepare(e)
	ev := hecEvent{
		Time:       float64(e.Timestamp.UnixMilli()) / 1000,
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      e,
		Fields: map[string]any{
			"event_type":     e.EventType,
			"component":      e.Component,
			"correlation_id": e.CorrelationID,
		},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal HEC event: %w", err)
	}
	data = append(data, '\n')

	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed {
		return "", ErrHECClosed
	}
	select {
	case s.queue <- data:
		return e.ID, nil
	default:
		s.mu.Lock()
		s.stats.EventsDropped++
		s.mu.Unlock()
		return "", ErrHECQueueFull
	}
}

// run delivers queued events until the queue is closed
func (s *HECSink) run() {
	defer close(s.done)
	for data := range s.queue {
		_ = s.sendWithRetry(s.ctx, data)
	}
}

// Close stops accepting entries and waits for queued ones to be delivered.
// When ctx ends first, pending deliveries are abandoned and counted as failed.
func (s *HECSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.qmu.Lock()
		s.closed = true
		close(s.queue)
		s.qmu.Unlock()
	})
	defer s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return fmt.Errorf("HEC sink closed with undelivered events: %w", ctx.Err())
	}
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *HECSink) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * s.config.RetryBackoff):
			}
			if ctx.Err() != nil {
				break
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	s.mu.Lock()
	s.stats.EventsFailed++
	s.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}
// send performs the actual HTTP request.
func (s *HECSink) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.URL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Splunk "+s.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	s.mu.Lock()
	s.stats.EventsSent++
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()

	return nil
}

// Stats returns current sink statistics.
func (s *HECSink) Stats() HECStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSink) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.URL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
