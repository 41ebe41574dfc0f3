package models

// table is a static bidirectional lookup between enum values and their wire
// names. Values are dense, starting at zero.
type table[T ~int] struct {
	names []string
	index map[string]T
}

func newTable[T ~int](names ...string) table[T] {
	t := table[T]{names: names, index: make(map[string]T, len(names))}
	for i, n := range names {
		t.index[n] = T(i)
	}
	return t
}

func (t table[T]) name(v T) string {
	if int(v) < 0 || int(v) >= len(t.names) {
		return ""
	}
	return t.names[v]
}

func (t table[T]) parse(s string) (T, bool) {
	v, ok := t.index[s]
	return v, ok
}

// Level is the role of an authenticated user. Higher levels see strictly more.
type Level int

const (
	LevelAgent Level = iota
	LevelSupervisor
	LevelManager
)

var levels = newTable[Level]("Agent", "Supervisor", "Manager")

func (l Level) String() string { return levels.name(l) }

func ParseLevel(s string) (Level, bool) { return levels.parse(s) }

// ChannelState mirrors the numeric channel state reported by the PBX.
type ChannelState int

const (
	ChannelDown ChannelState = iota
	ChannelReserved
	ChannelOffHook
	ChannelDialing
	ChannelRing
	ChannelRinging
	ChannelUp
	ChannelBusy
	ChannelDialingOffHook
	ChannelPreRing
	ChannelUnknown
)

var channelStates = newTable[ChannelState](
	"Down", "Rsrvd", "OffHook", "Dialing", "Ring", "Ringing",
	"Up", "Busy", "Dialing Offhook", "Pre-ring", "Unknown",
)

func (s ChannelState) String() string { return channelStates.name(s) }

// ChannelStateFromCode maps a PBX numeric state to a ChannelState. Codes
// outside the known range map to ChannelUnknown.
func ChannelStateFromCode(code int) ChannelState {
	if code < int(ChannelDown) || code >= int(ChannelUnknown) {
		return ChannelUnknown
	}
	return ChannelState(code)
}

// PhoneState is what clients see of a user's line.
type PhoneState int

const (
	PhoneIdle PhoneState = iota
	PhoneDialing
	PhoneRinging
	PhoneOnCall
	PhoneBusy
	PhoneUnknown
)

var phoneStates = newTable[PhoneState]("Idle", "Dialing", "Ringing", "OnCall", "Busy", "Unknown")

func (s PhoneState) String() string { return phoneStates.name(s) }

var phoneOfChannel = [...]PhoneState{
	ChannelDown:           PhoneIdle,
	ChannelReserved:       PhoneIdle,
	ChannelOffHook:        PhoneDialing,
	ChannelDialing:        PhoneDialing,
	ChannelRing:           PhoneDialing,
	ChannelRinging:        PhoneRinging,
	ChannelUp:             PhoneOnCall,
	ChannelBusy:           PhoneBusy,
	ChannelDialingOffHook: PhoneDialing,
	ChannelPreRing:        PhoneRinging,
	ChannelUnknown:        PhoneUnknown,
}

// PhoneStateOf projects a channel state onto the phone state of its peer.
func PhoneStateOf(s ChannelState) PhoneState {
	if int(s) < 0 || int(s) >= len(phoneOfChannel) {
		return PhoneUnknown
	}
	return phoneOfChannel[s]
}

// QueueState is the distribution state of a user across its queues.
type QueueState int

const (
	QueueNone QueueState = iota
	QueueAvailable
	QueuePaused
)

var queueStates = newTable[QueueState]("None", "Available", "Paused")

func (s QueueState) String() string { return queueStates.name(s) }

// Action is a state-changing operation a client may invoke.
type Action int

const (
	ActionLogin Action = iota
	ActionLogout
	ActionDial
	ActionHangup
	ActionSpy
	ActionWhisper
	ActionJoinQueue
	ActionPauseQueue
	ActionUnpauseQueue
	ActionLeaveQueue
)

var actions = newTable[Action](
	"Login", "Logout", "Dial", "Hangup", "Spy", "Whisper",
	"JoinQueue", "PauseQueue", "UnpauseQueue", "LeaveQueue",
)

func (a Action) String() string { return actions.name(a) }

func ParseAction(s string) (Action, bool) { return actions.parse(s) }

// Request is an informational query a client may issue.
type Request int

const (
	RequestUserList Request = iota
	RequestUserInfo
	RequestPeerList
)

var requests = newTable[Request]("UserList", "UserInfo", "PeerList")

func (r Request) String() string { return requests.name(r) }

func ParseRequest(s string) (Request, bool) { return requests.parse(s) }

// Event names the notifications pushed to clients.
type Event int

const (
	EventPeerChanged Event = iota
	EventPhoneStateChanged
	EventQueueStateChanged
	EventQueueJoined
	EventQueueLeft
	EventUserConnected
	EventUserDisconnected
)

var events = newTable[Event](
	"PeerChanged", "PhoneStateChanged", "QueueStateChanged",
	"QueueJoined", "QueueLeft", "UserConnected", "UserDisconnected",
)

func (e Event) String() string { return events.name(e) }
