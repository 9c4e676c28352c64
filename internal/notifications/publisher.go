package notifications

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/richxcame/ride-matching/pkg/config"
	"github.com/richxcame/ride-matching/pkg/logger"
	"go.uber.org/zap"
)

// Publisher delivers an encoded message to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials the NATS server configured in cfg
func Connect(cfg *config.NATSConfig, serviceName string) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to nats: %w", err)
	}
	return conn, nil
}
