package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds test configuration
type Config struct {
	CloverURL    string
	KafkaBrokers []string
	EventsTopic  string // contact.created / contact.linked / clusters.merged events
}

// DefaultConfig returns default test configuration
func DefaultConfig() Config {
	return Config{
		CloverURL:    getEnv("CLOVER_URL", "http://localhost:3000"),
		KafkaBrokers: []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
		EventsTopic:  getEnv("CLOVER_EVENTS_TOPIC", "identity-events"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// HTTPClient wraps http.Client with helper methods
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// NewHTTPClient creates a new HTTP client for the service
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// Get performs a GET request
func (c *HTTPClient) Get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// Delete performs a DELETE request
func (c *HTTPClient) Delete(path string) (*http.Response, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// ParseResponse parses a JSON response into the given type
func ParseResponse[T any](resp *http.Response) (T, error) {
	var result T
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}
	return result, nil
}

// KafkaHelper provides Kafka testing utilities
type KafkaHelper struct {
	brokers []string
}

// NewKafkaHelper creates a new Kafka helper
func NewKafkaHelper(brokers []string) *KafkaHelper {
	return &KafkaHelper{brokers: brokers}
}

// ConsumeMessages consumes messages from a topic with a timeout
// Only returns messages published after 'afterTime' to filter out stale messages
func (k *KafkaHelper) ConsumeMessages(ctx context.Context, topic, groupID string, timeout time.Duration, maxMessages int) ([]kafka.Message, error) {
	return k.ConsumeMessagesAfter(ctx, topic, groupID, timeout, maxMessages, time.Time{})
}

// ConsumeMessagesAfter consumes messages from a topic, filtering for messages after a specific time
func (k *KafkaHelper) ConsumeMessagesAfter(ctx context.Context, topic, groupID string, timeout time.Duration, maxMessages int, afterTime time.Time) ([]kafka.Message, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	messages := make([]kafka.Message, 0, maxMessages)
	deadline := time.Now().Add(timeout)

	for len(messages) < maxMessages && time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		msg, err := reader.FetchMessage(ctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				continue // Timeout, try again
			}
			return messages, err
		}

		// Commit all messages to advance offset, but only keep recent ones
		reader.CommitMessages(context.Background(), msg)

		// Filter: only keep messages after the specified time
		if !afterTime.IsZero() && msg.Time.Before(afterTime) {
			continue // Skip old messages
		}

		messages = append(messages, msg)
	}

	return messages, nil
}

// WaitForService waits for a service to be healthy
// Returns true if service is available, false otherwise
func WaitForService(t *testing.T, url string, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return true
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}

	return false
}

// RequireService skips the test if the service is not available
// Waits up to 10 seconds for service to become ready (handles 503 during startup)
func RequireService(t *testing.T, url string) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/health")
		if err != nil {
			// Service not running at all
			t.Skipf("Skipping: service at %s is not available. Start the API with 'go run ./cmd/api' and its backing services first", url)
			return
		}

		status := resp.StatusCode
		resp.Body.Close()

		if status == http.StatusOK {
			return // Service is ready
		}

		if status == http.StatusServiceUnavailable {
			// Service is starting up, wait and retry
			t.Logf("Service at %s is starting (503), waiting...", url)
			time.Sleep(1 * time.Second)
			continue
		}

		// Other error status
		t.Skipf("Skipping: service at %s returned status %d", url, status)
		return
	}

	t.Skipf("Skipping: service at %s did not become ready within 10s", url)
}

// ConsolidatedContact mirrors the consolidated view returned by /identify
// and /contacts/:id/identity
type ConsolidatedContact struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse is the envelope around the consolidated view
type IdentifyResponse struct {
	Contact ConsolidatedContact `json:"contact"`
}

// ContactEvent mirrors the events Clover publishes to Kafka
type ContactEvent struct {
	EventType        string   `json:"event_type"`
	EventID          string   `json:"event_id"`
	SchemaVersion    string   `json:"schema_version"`
	CorrelationID    string   `json:"correlation_id"`
	PrimaryContactID int64    `json:"primary_contact_id"`
	ContactID        *int64   `json:"contact_id"`
	Email            *string  `json:"email"`
	PhoneNumber      *string  `json:"phone_number"`
	AbsorbedIDs      []int64  `json:"absorbed_primary_ids"`
	ClusterSize      int      `json:"cluster_size"`
}

// uniqueIdentifiers returns an email/phone pair no previous run can collide with
func uniqueIdentifiers(label string) (string, string) {
	n := time.Now().UnixNano()
	email := fmt.Sprintf("%s+%d@hillvalley.edu", label, n)
	phone := fmt.Sprintf("%d", n%1_000_000_000_000)
	return email, phone
}
