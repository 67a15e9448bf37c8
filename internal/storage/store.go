package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// GatewayState is what survives a reboot of the gateway
type GatewayState struct {
	EUI      string    `yaml:"eui"`
	Boots    uint64    `yaml:"boots"`
	Resets   uint64    `yaml:"resets"`
	LastBoot time.Time `yaml:"last_boot"`
}

// Store defines the storage interface
type Store interface {
	// Load returns ErrNotFound when no state was saved yet
	Load() (*GatewayState, error)
	Save(state *GatewayState) error
}
