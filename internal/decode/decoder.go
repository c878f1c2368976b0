package decode

import (
	"context"

	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
)

// Decoder converts raw MQTT messages into mesh packets.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (mesh.Packet, error)
}
