// Package ami is a minimal Asterisk Manager Interface client. It delivers
// events and action responses to a Handler and sends actions on behalf of
// the hub.
package ami

import "errors"

// ErrNotConnected is returned by Send while no manager session is up.
var ErrNotConnected = errors.New("ami: not connected")

type Action struct {
	Name   string
	ID     string
	Fields map[string]string
}

type Event struct {
	Name   string
	Fields map[string]string
}

type Response struct {
	Status   string
	ActionID string
	Message  string
	Fields   map[string]string
}

// Success reports whether the PBX accepted the action.
func (r Response) Success() bool {
	return r.Status == "Success" || r.Status == "Follows" || r.Status == "Goodbye"
}

// Handler receives manager session notifications. Calls are made from the
// client's read goroutine, in arrival order.
type Handler interface {
	PBXConnected(version string)
	PBXDisconnected()
	PBXResponse(Response)
	PBXEvent(Event)
}
