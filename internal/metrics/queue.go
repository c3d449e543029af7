package metrics

type OutboxRecorder interface {
	ObserveOutboxDepth(depth int)
	IncOutboxDrops()
}

type NoopOutboxRecorder struct{}

func (NoopOutboxRecorder) ObserveOutboxDepth(depth int) {}
func (NoopOutboxRecorder) IncOutboxDrops()              {}

type DeliveryRecorder interface {
	IncDelivered()
	IncDeliveryFailures()
	IncDeliveryDropped()
}

type NoopDeliveryRecorder struct{}

func (NoopDeliveryRecorder) IncDelivered()        {}
func (NoopDeliveryRecorder) IncDeliveryFailures() {}
func (NoopDeliveryRecorder) IncDeliveryDropped()  {}
