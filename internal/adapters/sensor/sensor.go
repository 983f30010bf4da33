// Package sensor delivers device motion readings to the capture session.
package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hixprotocol/hix/internal/domain/model"
)

// Reading channels.
const (
	ChannelAcceleration = "accel"
	ChannelRotation     = "gyro"
	ChannelDistance     = "distance"
)

// Sentinel errors.
var (
	ErrUnknownChannel = errors.New("unknown sensor channel")
	ErrSubscribed     = errors.New("source already subscribed")
	ErrNotSubscribed  = errors.New("source not subscribed")
)

// Listener receives readings. Implementations must not block for long; they
// run on the source's delivery goroutine.
type Listener interface {
	OnAcceleration(v model.Vec3)
	OnRotation(v model.Vec3)
	OnDistance(meters float64)
}

// Source is a stream of readings that can be started and stopped.
type Source interface {
	Subscribe(ctx context.Context, l Listener) error
	Unsubscribe() error
}

// Reading is the wire shape of one sensor message.
type Reading struct {
	Channel string  `json:"channel,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Meters  float64 `json:"meters,omitempty"`
}

// Dispatch hands r to the listener method for its channel.
func Dispatch(l Listener, r Reading) error {
	switch r.Channel {
	case ChannelAcceleration:
		l.OnAcceleration(model.Vec3{X: r.X, Y: r.Y, Z: r.Z})
	case ChannelRotation:
		l.OnRotation(model.Vec3{X: r.X, Y: r.Y, Z: r.Z})
	case ChannelDistance:
		l.OnDistance(r.Meters)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, r.Channel)
	}
	return nil
}

// Decode parses a JSON payload. channel, when set, overrides the payload's
// own channel field.
func Decode(payload []byte, channel string) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	if channel != "" {
		r.Channel = channel
	}
	return r, nil
}
