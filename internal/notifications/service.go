package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/richxcame/ride-matching/pkg/logger"
	"github.com/richxcame/ride-matching/pkg/resilience"
	"go.uber.org/zap"
)

const (
	// DefaultSubjectPrefix is prepended to the recipient ID to form a subject
	DefaultSubjectPrefix = "notifications"

	deliveryTimeout = 30 * time.Second
)

var deliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "notification_deliveries_total",
		Help:      "Notification deliveries by outcome",
	},
	[]string{"outcome"},
)

// Message is the payload published for a single recipient
type Message struct {
	ID          uuid.UUID              `json:"id"`
	RecipientID uuid.UUID              `json:"recipient_id"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Service publishes user notifications to NATS. Delivery is asynchronous and
// best effort; failures are logged and counted.
type Service struct {
	publisher     Publisher
	breaker       *resilience.CircuitBreaker
	retry         resilience.RetryConfig
	subjectPrefix string
	now           func() time.Time

	wg sync.WaitGroup
}

// NewService creates a notification service. A nil publisher logs
// notifications without sending them.
func NewService(publisher Publisher, breaker *resilience.CircuitBreaker, subjectPrefix string) *Service {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Service{
		publisher:     publisher,
		breaker:       breaker,
		retry:         resilience.DefaultRetryConfig(),
		subjectPrefix: subjectPrefix,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetRetryConfig overrides the per-message retry policy
func (s *Service) SetRetryConfig(cfg resilience.RetryConfig) {
	s.retry = cfg
}

// Subject returns the subject a recipient's notifications are published on
func (s *Service) Subject(recipientID uuid.UUID) string {
	return s.subjectPrefix + "." + recipientID.String()
}

// Notify encodes the notification and hands it to a background delivery.
// Only encoding errors are returned.
func (s *Service) Notify(ctx context.Context, recipientID uuid.UUID, title, body string, data map[string]interface{}) error {
	msg := &Message{
		ID:          uuid.New(),
		RecipientID: recipientID,
		Title:       title,
		Body:        body,
		Data:        data,
		CreatedAt:   s.now(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if s.publisher == nil {
		deliveriesTotal.WithLabelValues("logged").Inc()
		logger.WithContext(ctx).Info("Notification (no publisher configured)",
			zap.String("recipient_id", recipientID.String()),
			zap.String("title", title),
			zap.Any("data", data),
		)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		s.deliver(deliverCtx, msg, payload)
	}()
	return nil
}

// Wait blocks until every in-flight delivery has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) deliver(ctx context.Context, msg *Message, payload []byte) {
	subject := s.Subject(msg.RecipientID)
	publish := func(ctx context.Context) (interface{}, error) {
		return nil, s.publisher.Publish(subject, payload)
	}

	var err error
	if s.breaker != nil {
		_, err = resilience.RetryWithBreaker(ctx, s.retry, s.breaker, publish)
	} else {
		_, err = resilience.Retry(ctx, s.retry, publish)
	}

	if err != nil {
		deliveriesTotal.WithLabelValues("failed").Inc()
		logger.WithContext(ctx).Error("Failed to publish notification",
			zap.String("notification_id", msg.ID.String()),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	deliveriesTotal.WithLabelValues("sent").Inc()
	logger.WithContext(ctx).Debug("Notification published",
		zap.String("notification_id", msg.ID.String()),
		zap.String("subject", subject),
	)
}
