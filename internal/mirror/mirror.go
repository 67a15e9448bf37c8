// Package mirror copies gateway activity to a message broker so other
// services can watch a gateway without talking Semtech UDP.
package mirror

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/sc-gateway/internal/models"
)

// ErrNotConnected is returned while the broker connection is down
var ErrNotConnected = errors.New("mirror not connected")

// Publisher sends events to a broker. Publish must not block the caller
// for longer than a local buffer write.
type Publisher interface {
	Publish(ev models.Event) error
	Close() error
}

// Subject returns the NATS subject of ev, e.g. gateway.b827ebfffe000001.rx
func Subject(prefix string, ev models.Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, ev.GatewayEUI, ev.Type)
}

// Topic returns the MQTT topic of ev, e.g. gateway/b827ebfffe000001/rx
func Topic(prefix string, ev models.Event) string {
	return fmt.Sprintf("%s/%s/%s", prefix, ev.GatewayEUI, ev.Type)
}

// Multi fans events out to several publishers
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(ev models.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
