// Package webhooks provides HTTP webhook notification for conversation events
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/parley/internal/events"
)

// Webhook represents a configured webhook endpoint
type Webhook struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Secret    string             `json:"secret,omitempty"`
	Events    []events.EventType `json:"events"` // empty = all events
	Enabled   bool               `json:"enabled"`
	CreatedAt int64              `json:"created_at"`
}

// Payload is the JSON body delivered to webhook endpoints
type Payload struct {
	Event          events.EventType `json:"event"`
	Timestamp      int64            `json:"timestamp"`
	DeliveryID     string           `json:"delivery_id"`
	ConversationID string           `json:"conversation_id"`
	Data           map[string]any   `json:"data,omitempty"`
}

type deliveryTask struct {
	webhook *Webhook
	payload *Payload
}

// Manager manages webhook registration and fire-and-forget delivery
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	logger   zerolog.Logger
	client   *http.Client
	delivery chan *deliveryTask
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a new webhook manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		webhooks: make(map[string]*Webhook),
		logger:   logger.With().Str("component", "webhooks").Logger(),
		client:   &http.Client{Timeout: 10 * time.Second},
		delivery: make(chan *deliveryTask, 1000),
		stopCh:   make(chan struct{}),
	}
}

// Register registers a new webhook
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if webhook.ID == "" {
		webhook.ID = uuid.New().String()
	}
	webhook.CreatedAt = time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[webhook.ID] = webhook

	m.logger.Info().Str("webhook_id", webhook.ID).Str("url", webhook.URL).Msg("registered webhook")
	return nil
}

// Start begins processing webhook deliveries
func (m *Manager) Start(workers int) {
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
}

// Bridge subscribes to the event bus and forwards matching events to
// registered webhooks until ctx is cancelled.
func (m *Manager) Bridge(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe("webhooks")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer bus.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.Emit(event)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop gracefully shuts down the webhook manager
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit queues an event for delivery to all subscribed webhooks.
// Delivery is best-effort: a full queue drops the notification.
func (m *Manager) Emit(event *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, webhook := range m.webhooks {
		if !webhook.Enabled || !subscribed(webhook, event.Type) {
			continue
		}

		payload := &Payload{
			Event:          event.Type,
			Timestamp:      event.Timestamp,
			DeliveryID:     uuid.New().String(),
			ConversationID: event.ConversationID,
			Data:           event.Data,
		}

		select {
		case m.delivery <- &deliveryTask{webhook: webhook, payload: payload}:
		default:
			m.logger.Warn().Str("webhook_id", webhook.ID).Msg("delivery queue full, dropping notification")
		}
	}
}

func subscribed(webhook *Webhook, event events.EventType) bool {
	if len(webhook.Events) == 0 {
		return true
	}
	for _, e := range webhook.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()

	for {
		select {
		case task := <-m.delivery:
			m.deliver(task)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) deliver(task *deliveryTask) {
	body, err := json.Marshal(task.payload)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	req, err := http.NewRequest("POST", task.webhook.URL, bytes.NewReader(body))
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to create webhook request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Parley-Webhooks/1.0")
	req.Header.Set("X-Webhook-Delivery-ID", task.payload.DeliveryID)
	req.Header.Set("X-Webhook-Event", string(task.payload.Event))
	if task.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, task.webhook.Secret))
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("url", task.webhook.URL).
			Str("event", string(task.payload.Event)).
			Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warn().
			Str("url", task.webhook.URL).
			Int("status", resp.StatusCode).
			Msg("webhook delivery rejected")
		return
	}

	m.logger.Debug().
		Str("url", task.webhook.URL).
		Str("event", string(task.payload.Event)).
		Dur("duration", time.Since(start)).
		Msg("webhook delivered")
}

// VerifySignature verifies an HMAC-SHA256 signature over a payload
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
