package conn

// Dyn is a connection whose phase is tracked at runtime. Every operation is
// checked against the same transition table the typed API encodes, and an
// illegal one returns a *PhaseError instead of recording anything.
type Dyn struct {
	req   Request
	log   *Log
	ended bool
	phase PhaseTag
}

// Erase converts a typed connection into a Dyn in the same phase.
func Erase[P Phase](c Conn[P]) Dyn {
	return Dyn{req: c.req, log: c.log, ended: c.ended, phase: TagOf[P]()}
}

// Assert recovers a typed connection. It fails with a *PhaseError when d is
// not in phase P.
func Assert[P Phase](d Dyn) (Conn[P], error) {
	if want := TagOf[P](); d.phase != want {
		return Conn[P]{}, &PhaseError{Phase: d.phase, Want: want}
	}
	return Conn[P]{req: d.req, log: d.log, ended: d.ended}, nil
}

// Apply records a if the current phase allows it.
func (d Dyn) Apply(a Action) (Dyn, error) {
	to, ok := transition(d.phase, a.Op)
	if !ok || a.Op == opCloseHeaders {
		return d, &PhaseError{Op: a.Op, Phase: d.phase}
	}
	return Dyn{req: d.req, log: d.log.Push(a), ended: a.ends(), phase: to}, nil
}

// CloseHeaders moves from HeadersOpen to BodyOpen.
func (d Dyn) CloseHeaders() (Dyn, error) {
	to, ok := transition(d.phase, opCloseHeaders)
	if !ok {
		return d, &PhaseError{Op: opCloseHeaders, Phase: d.phase}
	}
	return Dyn{req: d.req, log: d.log, phase: to}, nil
}

func (d Dyn) SetStatus(code Status) (Dyn, error) { return d.Apply(StatusAction(code)) }

func (d Dyn) SetHeader(name, value string) (Dyn, error) { return d.Apply(HeaderAction(name, value)) }

func (d Dyn) SetBody(body string) (Dyn, error) { return d.Apply(BodyAction(body)) }

func (d Dyn) EndResponse() (Dyn, error) { return d.Apply(EndAction()) }

func (d Dyn) Phase() PhaseTag { return d.phase }

func (d Dyn) Log() *Log { return d.log }

func (d Dyn) Ended() bool { return d.ended }

func (d Dyn) Request() Request { return d.req }
