package hub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"callhub/internal/ami"
	"callhub/internal/models"
	"callhub/internal/registry"
)

// snapshotActions rebuild the registry after the manager session comes up.
var snapshotActions = []string{"SIPpeers", "QueueStatus", "CoreShowChannels"}

func (h *Hub) PBXConnected(version string) {
	h.post(func() {
		h.pbxUp = true
		h.registry.ResetChannels()
		for _, u := range h.byName {
			u.setPhoneState(models.PhoneIdle, time.Time{})
		}
		h.logger.Info("pbx connected", "version", version)
		for _, name := range snapshotActions {
			h.sendAction(nil, 0, ami.Action{Name: name})
		}
	})
}

func (h *Hub) PBXDisconnected() {
	h.post(func() {
		h.pbxUp = false
		for id, p := range h.pending {
			delete(h.pending, id)
			if u, ok := h.users[p.user]; ok {
				u.fail(p.action, ErrPBXUnavailable)
			}
		}
		h.metrics.PendingActions.Set(0)
		h.logger.Warn("pbx disconnected")
	})
}

func (h *Hub) PBXResponse(resp ami.Response) {
	h.post(func() {
		p, ok := h.pending[resp.ActionID]
		if !ok {
			return
		}
		delete(h.pending, resp.ActionID)
		h.metrics.PendingActions.Set(float64(len(h.pending)))

		if p.user == "" {
			if !resp.Success() {
				h.logger.Warn("pbx action failed", "action", p.name, "message", resp.Message)
			}
			return
		}
		u, ok := h.users[p.user]
		if !ok {
			return
		}
		if resp.Success() {
			u.sendResponse(p.action, true, pbxResult{Message: resp.Message})
			return
		}
		u.sendResponse(p.action, false, failure{Reason: "pbx_error", Message: resp.Message})
	})
}

func (h *Hub) PBXEvent(ev ami.Event) {
	h.post(func() {
		h.metrics.PBXEvents.WithLabelValues(ev.Name).Inc()
		for _, c := range h.registry.Apply(ev.Name, ev.Fields) {
			h.applyChange(c)
		}
		h.metrics.ActiveChannels.Set(float64(h.registry.ChannelCount()))
	})
}

func (h *Hub) applyChange(c registry.Change) {
	switch c.Kind {
	case registry.PeerRegistered:
		h.peerRegistered(c.Peer, c.Address)
		return
	case registry.PeerUnregistered:
		if owner := h.byPeer[c.Peer]; owner != nil && !owner.pinned {
			owner.setPeer("")
		}
		return
	}

	if c.Peer == "" {
		return
	}
	u := h.byPeer[c.Peer]
	if u == nil {
		return
	}

	switch c.Kind {
	case registry.ChannelUpdated:
		u.setPhoneState(models.PhoneStateOf(c.State), c.LastCall)
	case registry.ChannelRemoved:
		if ch, ok := h.registry.ChannelOfPeer(c.Peer); ok {
			state, _ := h.registry.StateOf(ch)
			last, _ := h.registry.LastCallOf(ch)
			u.setPhoneState(models.PhoneStateOf(state), last)
			return
		}
		u.setPhoneState(models.PhoneIdle, time.Time{})
	case registry.QueueJoined:
		u.joinQueue(c.Queue, c.Paused, c.Reason)
	case registry.QueuePaused:
		state := models.QueueAvailable
		if c.Paused {
			state = models.QueuePaused
		}
		u.setQueueState(c.Queue, state, c.Reason)
	case registry.QueueLeft:
		u.leaveQueue(c.Queue)
	}
}

// peerRegistered hands peer to the logged-in user connected from addr when
// it has none, taking it from an owner that followed it by address.
func (h *Hub) peerRegistered(peer, addr string) {
	if owner := h.byPeer[peer]; owner != nil {
		if owner.pinned || owner.ip == addr {
			return
		}
		owner.setPeer("")
	}
	for _, u := range h.byName {
		if u.ip == addr && u.peer == "" {
			u.setPeer(peer)
			return
		}
	}
}

// sendAction records a correlation entry and queues a for the PBX. u is nil
// for actions the hub issues on its own behalf.
func (h *Hub) sendAction(u *User, action models.Action, a ami.Action) {
	if !h.pbxUp {
		if u != nil {
			u.fail(action, ErrPBXUnavailable)
		}
		return
	}

	a.ID = uuid.NewString()
	p := pendingAction{action: action, name: a.Name}
	if u != nil {
		p.user = u.id
	}

	select {
	case h.outbox <- a:
	default:
		h.logger.Warn("pbx outbox full", "action", a.Name)
		if u != nil {
			u.fail(action, ErrPBXUnavailable)
		}
		return
	}
	h.pending[a.ID] = p
	h.metrics.PendingActions.Set(float64(len(h.pending)))
}

// sendLoop writes queued actions to the PBX in order.
func (h *Hub) sendLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case a := <-h.outbox:
			ctx, cancel := context.WithTimeout(h.ctx, h.queryTimeout)
			err := h.pbx.Send(ctx, a)
			cancel()
			if err != nil {
				h.post(func() { h.actionFailed(a.ID, err) })
			}
		}
	}
}

func (h *Hub) actionFailed(id string, err error) {
	p, ok := h.pending[id]
	if !ok {
		return
	}
	delete(h.pending, id)
	h.metrics.PendingActions.Set(float64(len(h.pending)))
	h.logger.Warn("send pbx action", "action", p.name, "err", err)
	if u, ok := h.users[p.user]; ok {
		u.fail(p.action, ErrPBXUnavailable)
	}
}
