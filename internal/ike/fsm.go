package ike

// This file implements the ModeCfg sub-exchange finite state machine as a
// pure function over a transition table: no side effects, no Session
// dependency. The caller executes the returned Actions and is responsible
// for everything the table does not model: HASH verification, isama_type
// matching, and the local decision of which mode (pull/push) to drive a
// session with -- those gate whether ApplyEvent is even called.

// Event represents a ModeCfg FSM event: either a locally originated
// decision (BeginPull, BeginPush) or a validated inbound message
// (HASH verified, isama_type matched the expected kind for the state).
type Event uint8

const (
	// EventBeginPull is a local decision: the initiator elects pull mode
	// and will send REQUEST.
	EventBeginPull Event = iota

	// EventBeginPush is a local decision: the initiator expects push mode
	// and waits for an unsolicited SET.
	EventBeginPush

	// EventRecvRequest is a validated inbound REQUEST message.
	EventRecvRequest

	// EventRecvReply is a validated inbound REPLY message.
	EventRecvReply

	// EventRecvSet is a validated inbound SET message.
	EventRecvSet

	// EventRecvAck is a validated inbound ACK message.
	EventRecvAck
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventBeginPull:
		return "BeginPull"
	case EventBeginPush:
		return "BeginPush"
	case EventRecvRequest:
		return "RecvRequest"
	case EventRecvReply:
		return "RecvReply"
	case EventRecvSet:
		return "RecvSet"
	case EventRecvAck:
		return "RecvAck"
	default:
		return unknownStr
	}
}

// Action represents a side-effect the Session must execute after an FSM
// transition. Actions are returned as part of FSMResult and executed by
// the caller; the FSM itself is a pure function.
type Action uint8

const (
	// ActionSendRequest builds and transmits a REQUEST message.
	ActionSendRequest Action = iota + 1

	// ActionSendSet builds and transmits a SET message (responder push).
	ActionSendSet

	// ActionSendAck builds and transmits an ACK message.
	ActionSendAck

	// ActionBuildAndSendReply builds the responder's REPLY from the
	// session's connection and transmits it.
	ActionBuildAndSendReply

	// ActionApplyAddress applies the InternalAddress carried by the
	// inbound message to the session's connection.
	ActionApplyAddress

	// ActionNotifyEstablished signals subscribers that the ModeCfg
	// sub-exchange completed successfully.
	ActionNotifyEstablished
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionSendRequest:
		return "SendRequest"
	case ActionSendSet:
		return "SendSet"
	case ActionSendAck:
		return "SendAck"
	case ActionBuildAndSendReply:
		return "BuildAndSendReply"
	case ActionApplyAddress:
		return "ApplyAddress"
	case ActionNotifyEstablished:
		return "NotifyEstablished"
	default:
		return unknownStr
	}
}

// stateEvent is the FSM transition table key: current state + incoming event.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects for a single
// FSM transition.
type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event to the FSM. The caller
// inspects Changed to decide whether state-change processing (logging,
// metrics, notifications) is needed.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// fsmTable is the complete ModeCfg FSM transition table. Unlisted (state,
// event) pairs are silently ignored: the message was valid but unexpected
// for the current state.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// MODE_CFG_I0: initiator idle. A local decision selects pull or push
	// mode; neither is triggered by an inbound message.
	{StateModeCfgI0, EventBeginPull}: {
		newState: StateModeCfgI1,
		actions:  []Action{ActionSendRequest},
	},
	{StateModeCfgI0, EventBeginPush}: {
		newState: StateModeCfgI2,
		actions:  nil,
	},

	// MODE_CFG_I1: initiator, pull mode. REQUEST already sent; a matching
	// REPLY applies the address and completes the exchange.
	{StateModeCfgI1, EventRecvReply}: {
		newState: StateDone,
		actions:  []Action{ActionApplyAddress, ActionNotifyEstablished},
	},

	// MODE_CFG_I2: initiator, push mode. Waiting for an unsolicited SET;
	// receiving one applies the address and acknowledges.
	{StateModeCfgI2, EventRecvSet}: {
		newState: StateDone,
		actions:  []Action{ActionApplyAddress, ActionSendAck, ActionNotifyEstablished},
	},

	// MODE_CFG_R0: responder, pull mode. Waiting for a REQUEST; receiving
	// one builds and sends the REPLY from the session's connection.
	{StateModeCfgR0, EventRecvRequest}: {
		newState: StateDone,
		actions:  []Action{ActionBuildAndSendReply, ActionNotifyEstablished},
	},

	// MODE_CFG_R1: responder, push mode. SET already sent at session
	// creation (a local decision, not modeled here since no inbound
	// message triggers entry into R1); a matching ACK completes the
	// exchange.
	{StateModeCfgR1, EventRecvAck}: {
		newState: StateDone,
		actions:  []Action{ActionNotifyEstablished},
	},
}

// ApplyEvent applies an FSM event to the given state and returns the
// result. This is a pure function with no side effects; the caller
// executes the returned actions. If the (state, event) pair has no entry
// in the transition table, the event is ignored and FSMResult.Changed is
// false with an empty action list -- the session-level caller is expected
// to treat this as an IGNORE status.
func ApplyEvent(currentState State, event Event) FSMResult {
	key := stateEvent{state: currentState, event: event}

	tr, ok := fsmTable[key]
	if !ok {
		return FSMResult{
			OldState: currentState,
			NewState: currentState,
			Actions:  nil,
			Changed:  false,
		}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}

// MsgTypeToEvent maps an inbound ModeCfg isama_type to the FSM event that
// models receiving it.
func MsgTypeToEvent(msgType uint8) (Event, bool) {
	switch msgType {
	case MsgTypeRequest:
		return EventRecvRequest, true
	case MsgTypeReply:
		return EventRecvReply, true
	case MsgTypeSet:
		return EventRecvSet, true
	case MsgTypeAck:
		return EventRecvAck, true
	default:
		return 0, false
	}
}

// expectedMsgType returns the isama_type expected for state. The zero
// value and false are returned for states that expect no inbound message
// (I0 before a mode is selected, and the terminal Done state).
func expectedMsgType(state State) (uint8, bool) {
	switch state {
	case StateModeCfgI1:
		return MsgTypeReply, true
	case StateModeCfgI2:
		return MsgTypeSet, true
	case StateModeCfgR0:
		return MsgTypeRequest, true
	case StateModeCfgR1:
		return MsgTypeAck, true
	default:
		return 0, false
	}
}
