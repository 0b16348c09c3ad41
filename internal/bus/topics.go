package bus

// Topic names published by the execution core. External sinks (persistence,
// dashboards) subscribe to these; the core guarantees they are published on
// every corresponding transition.
const (
	TopicSignalGenerated = "signal_generated"
	TopicOrderCreated    = "order_created"
	TopicOrderFilled     = "order_filled"
	TopicOrderCancelled  = "order_cancelled"
	TopicPositionOpened  = "position_opened"
	TopicPositionUpdated = "position_updated"
	TopicPositionClosed  = "position_closed"
	TopicRiskAlert       = "risk_alert"
)
