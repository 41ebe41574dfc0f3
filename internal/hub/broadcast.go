package hub

import "callhub/internal/models"

// Audience is a set of levels a broadcast is addressed to.
type Audience uint8

const (
	Agents Audience = 1 << iota
	Supervisors
	Managers
)

func (a Audience) includes(l models.Level) bool {
	switch l {
	case models.LevelAgent:
		return a&Agents != 0
	case models.LevelSupervisor:
		return a&Supervisors != 0
	case models.LevelManager:
		return a&Managers != 0
	}
	return false
}

// audienceOf returns who is told about state changes of a user at level l.
func audienceOf(l models.Level) Audience {
	if l == models.LevelManager {
		return Managers
	}
	return Supervisors | Managers
}

// visible reports whether viewer may see target in rosters and act on it.
func visible(viewer, target *User) bool {
	return viewer == target || audienceOf(target.level).includes(viewer.level)
}

// broadcast delivers ev to every authenticated user in audience except
// sender, then hands the frame to the mirror.
func (h *Hub) broadcast(sender *User, audience Audience, ev event) {
	msg, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error("encode event", "event", ev.name().String(), "err", err)
		return
	}
	for _, u := range h.byName {
		if u == sender || !audience.includes(u.level) {
			continue
		}
		u.deliver(msg)
	}
	if h.mirror != nil {
		h.mirror.Publish(msg)
	}
}
