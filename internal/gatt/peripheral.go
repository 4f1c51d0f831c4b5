// Package gatt holds the characteristic registry and the transport primitives
// every protocol in this module is written against.
package gatt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
)

var ErrNotConnected = errors.New("peripheral not connected")

// CharacteristicID addresses one characteristic by its 128-bit UUID strings
type CharacteristicID struct {
	Service        string
	Characteristic string
}

func (c CharacteristicID) String() string {
	return fmt.Sprintf("%s/%s", c.Service, c.Characteristic)
}

// Reader performs a one-shot read of a characteristic's current value
type Reader interface {
	Read(ctx context.Context, id CharacteristicID) ([]byte, error)
}

// Writer writes to a characteristic, with or without a write response
type Writer interface {
	Write(ctx context.Context, id CharacteristicID, data []byte, ack bool) error
}

// Subscriber starts delivery of characteristic updates. Closing the returned
// stream ends the subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, id CharacteristicID) (*events.Stream[[]byte], error)
}

// Peripheral is a connected accessory
type Peripheral interface {
	Reader
	Writer
	Subscriber
	Address() string
}
