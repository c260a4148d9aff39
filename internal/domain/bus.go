package domain

// MessageBus carries inbound platform events to the relay.
type MessageBus interface {
	Publish(evt InboundEvent)
	Subscribe() <-chan InboundEvent
	Close()
}
