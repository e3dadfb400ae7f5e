package conn

// Phase constrains the type parameter of Conn to the four stages of response
// construction. The marker types carry no data; they only exist so that the
// compiler rejects out-of-order operations.
type Phase interface {
	StatusOpen | HeadersOpen | BodyOpen | ResponseEnded
}

// StatusOpen is the initial phase: only the status code may be set.
type StatusOpen struct{}

// HeadersOpen allows headers and cookies to be added until CloseHeaders.
type HeadersOpen struct{}

// BodyOpen allows exactly one of SetBody or EndResponse.
type BodyOpen struct{}

// ResponseEnded is terminal.
type ResponseEnded struct{}

// PhaseTag is the runtime mirror of the Phase marker types.
type PhaseTag uint8

const (
	TagStatusOpen PhaseTag = iota
	TagHeadersOpen
	TagBodyOpen
	TagResponseEnded
)

func (t PhaseTag) String() string {
	switch t {
	case TagStatusOpen:
		return "StatusOpen"
	case TagHeadersOpen:
		return "HeadersOpen"
	case TagBodyOpen:
		return "BodyOpen"
	case TagResponseEnded:
		return "ResponseEnded"
	}
	return "Phase(?)"
}

// TagOf returns the runtime tag for the phase marker P.
func TagOf[P Phase]() PhaseTag {
	var p P
	switch any(p).(type) {
	case HeadersOpen:
		return TagHeadersOpen
	case BodyOpen:
		return TagBodyOpen
	case ResponseEnded:
		return TagResponseEnded
	default:
		return TagStatusOpen
	}
}

// next is the transition table shared by the typed API (which encodes it in
// function signatures) and Dyn (which checks it at runtime).
//
// A missing entry means the operation is illegal in that phase.
var next = map[PhaseTag]map[Op]PhaseTag{
	TagStatusOpen: {
		OpSetStatus: TagHeadersOpen,
	},
	TagHeadersOpen: {
		OpSetHeader:    TagHeadersOpen,
		OpSetCookie:    TagHeadersOpen,
		OpClearCookie:  TagHeadersOpen,
		opCloseHeaders: TagBodyOpen,
	},
	TagBodyOpen: {
		OpSetBody:     TagResponseEnded,
		OpEndResponse: TagResponseEnded,
	},
}

// transition looks up the phase reached by applying op in phase from.
func transition(from PhaseTag, op Op) (PhaseTag, bool) {
	to, ok := next[from][op]
	return to, ok
}
