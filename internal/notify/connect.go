package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Connect dials NATS with unlimited reconnects and opens a JetStream
// context. onState, if set, is told whenever the connection drops or
// comes back.
func Connect(url string, logger zerolog.Logger, onState func(up bool)) (*nats.Conn, jetstream.JetStream, error) {
	if onState == nil {
		onState = func(bool) {}
	}

	nc, err := nats.Connect(url,
		nats.Name("marketcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
			onState(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			onState(true)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	onState(true)
	return nc, js, nil
}
