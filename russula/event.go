package russula

// EventRecorder counts the protocol activity of one role instance. The
// counters end up in the run report and are the cheapest way to spot a peer
// that chatters or stalls.
type EventRecorder struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Transitions      uint64 `json:"transitions"`
}

func (r *EventRecorder) recordSend() { r.MessagesSent++ }

func (r *EventRecorder) recordRecv() { r.MessagesReceived++ }

func (r *EventRecorder) recordTransition() { r.Transitions++ }
