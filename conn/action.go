package conn

import (
	"net/http"
	"strconv"
)

// Op identifies the kind of a recorded response mutation.
type Op uint8

const (
	OpSetStatus Op = iota + 1
	OpSetHeader
	OpSetCookie
	OpClearCookie
	OpSetBody
	OpEndResponse

	// opCloseHeaders advances the phase without recording anything. It only
	// appears in the transition table.
	opCloseHeaders
)

func (op Op) String() string {
	switch op {
	case OpSetStatus:
		return "setStatus"
	case OpSetHeader:
		return "setHeader"
	case OpSetCookie:
		return "setCookie"
	case OpClearCookie:
		return "clearCookie"
	case OpSetBody:
		return "setBody"
	case OpEndResponse:
		return "endResponse"
	case opCloseHeaders:
		return "closeHeaders"
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Action is one recorded response mutation. Which fields are meaningful
// depends on Op:
//
//   - OpSetStatus: Status
//   - OpSetHeader: Name, Value
//   - OpSetCookie: Cookie
//   - OpClearCookie: Name
//   - OpSetBody: Body
//   - OpEndResponse: none
type Action struct {
	Op     Op
	Status Status
	Name   string
	Value  string
	Cookie http.Cookie
	Body   string
}

// StatusAction records a status code.
func StatusAction(code Status) Action {
	return Action{Op: OpSetStatus, Status: code}
}

// HeaderAction records a header assignment.
func HeaderAction(name, value string) Action {
	return Action{Op: OpSetHeader, Name: name, Value: value}
}

// CookieAction records a Set-Cookie.
func CookieAction(c http.Cookie) Action {
	return Action{Op: OpSetCookie, Name: c.Name, Cookie: c}
}

// ClearCookieAction records the removal of a cookie in the client.
func ClearCookieAction(name string) Action {
	return Action{Op: OpClearCookie, Name: name}
}

// BodyAction records the response body. It ends the response.
func BodyAction(body string) Action {
	return Action{Op: OpSetBody, Body: body}
}

// EndAction ends the response without a body.
func EndAction() Action {
	return Action{Op: OpEndResponse}
}

// ends reports whether recording a ends the response.
func (a Action) ends() bool {
	return a.Op == OpSetBody || a.Op == OpEndResponse
}
