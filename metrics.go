package sqpool

// MetricType identifies a Listener event reported to a MetricHandler.
type MetricType int

const (
	// MetricReceive is reported after each successful receive; the value is
	// the number of messages received.
	MetricReceive MetricType = iota
	// MetricHandled is reported when a handler returns without error.
	MetricHandled
	// MetricHandlerError is reported when a handler returns an error or panics.
	MetricHandlerError
	// MetricUnhandled is reported when no handler resolves for a message.
	MetricUnhandled
	// MetricAck is reported when a message is deleted from the source.
	MetricAck
	// MetricAckFailure is reported when every delete attempt failed.
	MetricAckFailure
	// MetricPollFailure is reported when a receive call fails.
	MetricPollFailure
	// MetricShutdown is reported once when the coordinator loop exits.
	MetricShutdown
)

var metricNames = map[MetricType]string{
	MetricReceive:      "receive",
	MetricHandled:      "handled",
	MetricHandlerError: "handler_error",
	MetricUnhandled:    "unhandled",
	MetricAck:          "ack",
	MetricAckFailure:   "ack_failure",
	MetricPollFailure:  "poll_failure",
	MetricShutdown:     "shutdown",
}

func (m MetricType) String() string {
	if s, ok := metricNames[m]; ok {
		return s
	}
	return "unknown"
}

// MetricHandler receives Listener events along with the number of messages
// in flight at the time of the event. It is called from the coordinator and
// from workers concurrently and must not block for long.
type MetricHandler func(mtype MetricType, val float64, inflight int)
