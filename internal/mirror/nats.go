package mirror

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/models"
)

// natsConn is the part of *nats.Conn the publisher uses
type natsConn interface {
	Publish(subj string, data []byte) error
	Close()
}

// NATSPublisher publishes events as JSON on <prefix>.<eui>.<type>
type NATSPublisher struct {
	nc     natsConn
	prefix string
}

// NewNATSPublisher connects to NATS. The client keeps reconnecting in the
// background, buffering publishes while the server is away.
func NewNATSPublisher(cfg config.NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("sc-gateway"),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", cfg.URL).Str("prefix", cfg.SubjectPrefix).Msg("NATS mirror enabled")

	return newNATSPublisher(nc, cfg.SubjectPrefix), nil
}

func newNATSPublisher(nc natsConn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(Subject(p.prefix, ev), data)
}

// Close implements Publisher
func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}
