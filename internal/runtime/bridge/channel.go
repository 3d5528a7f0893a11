package bridge

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// GoChannelFactory builds the in-process pub/sub used when no other sink is
// configured. Tests may replace it.
var GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// NewChannelSink returns an in-process publisher and the subscriber that
// observes it.
func NewChannelSink(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	return GoChannelFactory(gochannel.Config{OutputChannelBuffer: 256}, logger)
}
