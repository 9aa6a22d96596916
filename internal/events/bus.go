package events

// Bus groups the typed brokers the application publishes to
type Bus struct {
	Sessions *Broker[SessionPayload]
	Turns    *Broker[TurnPayload]
	Tools    *Broker[ToolPayload]
	Index    *Broker[IndexPayload]
}

// NewBus creates a bus with default broker sizes
func NewBus() *Bus {
	return &Bus{
		Sessions: NewBroker[SessionPayload](),
		Turns:    NewBroker[TurnPayload](),
		Tools:    NewBroker[ToolPayload](),
		Index:    NewBroker[IndexPayload](),
	}
}

// Shutdown closes every broker. A nil bus is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.Sessions.Shutdown()
	b.Turns.Shutdown()
	b.Tools.Shutdown()
	b.Index.Shutdown()
}
