package realtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic carries raw push messages from producers to the router.
const Topic = "blockverse.push"

// Publisher accepts raw push messages.
type Publisher interface {
	Publish(payload []byte) error
}

// Bus is the in-process event bus between push producers and the router.
type Bus struct {
	ch *gochannel.GoChannel
}

// NewBus creates a bus backed by a Go channel pub/sub.
func NewBus() *Bus {
	return &Bus{ch: gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewStdLogger(false, false),
	)}
}

// Publish sends payload to every subscriber. Messages published with no
// subscriber are dropped.
func (b *Bus) Publish(payload []byte) error {
	return b.ch.Publish(Topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe returns the message stream; it closes when ctx is done or the bus
// is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.ch.Subscribe(ctx, Topic)
}

func (b *Bus) Close() error {
	return b.ch.Close()
}
