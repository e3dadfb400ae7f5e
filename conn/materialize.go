package conn

import (
	"errors"
	"net/http"
)

// Sink is the one mutable response an adapter owns for a request.
//
// Materialize calls the setters in issuance order and then Send exactly once.
// Sinks decide how cookies are put on the wire.
type Sink interface {
	SetStatus(code Status)
	// SetHeader replaces any existing value of the header.
	SetHeader(name, value string)
	SetCookie(c *http.Cookie)
	ClearCookie(name string)
	SetBody(body string)
	// Send delivers the response. A second call must fail with ErrAlreadySent.
	Send() error
}

// ErrAlreadySent is returned by sinks when Send is called more than once.
var ErrAlreadySent = errors.New("conn: response already sent")

// Finished is satisfied by Conn[P] for every P and by Dyn.
type Finished interface {
	Log() *Log
	Ended() bool
}

// Report describes one materialization.
type Report struct {
	// Actions is the number of actions applied to the sink.
	Actions int
	// Ended is false when the chain never reached ResponseEnded. The response
	// is sent anyway so the client is not left waiting.
	Ended bool
}

// Materialize replays the log of f onto sink in issuance order and sends it.
//
// The only error returned is the one from sink.Send.
func Materialize(f Finished, sink Sink) (Report, error) {
	log := f.Log()
	for _, a := range log.All() {
		apply(sink, a)
	}
	rep := Report{Actions: log.Len(), Ended: f.Ended()}
	return rep, sink.Send()
}

func apply(sink Sink, a Action) {
	switch a.Op {
	case OpSetStatus:
		sink.SetStatus(a.Status)
	case OpSetHeader:
		sink.SetHeader(a.Name, a.Value)
	case OpSetCookie:
		c := a.Cookie
		sink.SetCookie(&c)
	case OpClearCookie:
		sink.ClearCookie(a.Name)
	case OpSetBody:
		sink.SetBody(a.Body)
	case OpEndResponse:
	}
}
