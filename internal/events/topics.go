package events

// Topics published by the hub and by replicated stores.
const (
	TopicConnOpened   = "conn.opened"
	TopicConnClosed   = "conn.closed"
	TopicConnRejected = "conn.rejected"
	TopicStateChanged = "state.changed"
)
