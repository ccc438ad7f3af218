package docsync

// Logging convention in the `docsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - stream errors and reconnects
//     - rejected listens and failed writes
//     - dropped frames
// Error:
//     unrecoverable crash details
// V(1):
//     key lifecycle events with ids that can be used to filter
//     (stream open/close, target add/remove, batch enqueue/ack)
// V(2):
//     per-message trace - send, receive, watch change, snapshot emit

// tags used in log lines, by component
const (
	logTagConn      = "[c]"
	logTagListen    = "[l]"
	logTagWrite     = "[w]"
	logTagRemote    = "[r]"
	logTagSync      = "[s]"
	logTagTransport = "[t]"
)
