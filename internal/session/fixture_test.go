package session

import (
	"time"

	"github.com/amqpprox/amqpprox/internal/auth"
	"github.com/amqpprox/amqpprox/internal/backend"
	"github.com/amqpprox/amqpprox/internal/bufpool"
	"github.com/amqpprox/amqpprox/internal/events"
	"github.com/amqpprox/amqpprox/internal/limiter"
	"github.com/amqpprox/amqpprox/internal/resolver"
	"github.com/amqpprox/amqpprox/internal/route"
	"github.com/amqpprox/amqpprox/internal/vhost"
	"github.com/amqpprox/amqpprox/internal/wire"
)

// newTestDeps builds a Deps value wired to fresh, empty in-memory
// collaborators, mirroring how cmd/amqpprox assembles them at startup.
func newTestDeps() Deps {
	return Deps{
		Pool:     bufpool.New(bufpool.DefaultClasses),
		Events:   &events.Source{},
		Resolver: resolver.New(time.Minute),
		Selector: route.New(limiter.NewManager(nil), vhost.NewMap(), backend.NewStore(), backend.NewFarmStore()),
		Vhosts:   vhost.NewMap(),
		Auth:     auth.AlwaysAllowInterceptor{},

		MaxFrameSize:   wire.DefaultMaxFrameSize,
		ChannelMax:     2047,
		Heartbeat:      60,
		ProxyIdentity:  "amqpprox-test",
		ClientIdentity: "amqpprox",
	}
}

// frameBytes wraps an already method-encoded payload (as produced by
// wire.EncodeStart/EncodeOpen/etc, which embed their own class/method
// header) in a frame envelope.
func frameBytes(payload []byte) []byte {
	out := make([]byte, wire.EncodedSize(len(payload)))
	n, err := wire.Encode(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload}, out, 0)
	if err != nil {
		panic(err)
	}
	return out[:n]
}
