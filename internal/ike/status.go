package ike

// Status is the error taxonomy used to classify the outcome of processing
// an inbound message or driving a state transition.
//
// Parse- and wire-level failures (Fail, Ignore, AuthFailed) are handled
// locally: logged and converted to a drop or a notify payload. Lifecycle
// failures (Timeout) are surfaced as events on the Manager's notification
// channel so higher layers can react. Nothing in this package aborts the
// process.
type Status uint8

const (
	// StatusOK indicates success; processing continues normally.
	StatusOK Status = iota

	// StatusInternalError indicates an impossible branch or buffer overrun.
	// The exchange is abandoned and the condition is logged.
	StatusInternalError

	// StatusFail indicates an attribute payload that matched the expected
	// isama_type but omits an attribute its transition requires (e.g. a
	// REPLY or SET with no IPv4 address to apply). The caller sends
	// ATTRIBUTES_NOT_SUPPORTED and abandons the exchange.
	StatusFail

	// StatusIgnore indicates an unexpected message type for the current
	// state. The message is silently dropped.
	StatusIgnore

	// StatusAuthFailed indicates HASH verification failed. The message is
	// dropped without a response.
	StatusAuthFailed

	// StatusNotFound indicates a connection or credential lookup miss.
	// The condition is surfaced to the caller.
	StatusNotFound

	// StatusTimeout indicates the retransmit budget was exhausted. The
	// peer is declared dead and the session is deleted.
	StatusTimeout
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusFail:
		return "FAIL"
	case StatusIgnore:
		return "IGNORE"
	case StatusAuthFailed:
		return "AUTH_FAILED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return unknownStr
	}
}
