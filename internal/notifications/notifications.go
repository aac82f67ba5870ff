// Package notifications pushes operator alerts to an ntfy topic.
package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ntfy priorities, 1 (min) to 5 (max).
const (
	PriorityDefault = 3
	PriorityHigh    = 4
)

var client *http.Client
var topic string
var initialized bool

var baseURL = "https://ntfy.sh"

// Message is the ntfy JSON publish body.
type Message struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Init sets the topic alerts go to. An empty topic leaves notifications
// disabled.
func Init(ntfyTopic string) {
	if ntfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		initialized = false
		return
	}

	client = &http.Client{
		Timeout: 10 * time.Second,
	}
	topic = ntfyTopic
	initialized = true

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
}

// Send publishes an informational notice.
func Send(title, message string) error {
	return Publish(Message{Title: title, Message: message, Priority: PriorityDefault, Tags: []string{"seedling"}})
}

// Alert publishes a notice that needs operator attention, such as a failed
// sensor or a fault shutdown.
func Alert(title, message string) error {
	return Publish(Message{Title: title, Message: message, Priority: PriorityHigh, Tags: []string{"seedling", "warning"}})
}

// Publish posts m to the configured topic. It is a no-op when
// notifications are disabled.
func Publish(m Message) error {
	if !initialized {
		log.Debug().Str("title", m.Title).Str("message", m.Message).Msg("Notifications disabled, dropping")
		return nil
	}
	m.Topic = topic

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", m.Title).
		Int("priority", m.Priority).
		Int("status", resp.StatusCode).
		Msg("Notification sent")
	return nil
}
