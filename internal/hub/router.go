package hub

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"callhub/internal/ami"
	"callhub/internal/models"
	"callhub/internal/store"
)

func (h *Hub) route(u *User, payload []byte) {
	msg, err := parseInbound(payload)
	if err != nil {
		h.metrics.ClientMessages.WithLabelValues("unknown", "malformed").Inc()
		h.logger.Debug("dropping malformed message", "conn", u.id, "err", err)
		return
	}

	switch msg.kind {
	case kindAction:
		a, ok := models.ParseAction(msg.name)
		if !ok {
			h.rejectUnknown(u, msg)
			return
		}
		err = h.handleAction(u, a, msg.fields)
		if err != nil {
			u.fail(a, err)
		}
	case kindRequest:
		r, ok := models.ParseRequest(msg.name)
		if !ok {
			h.rejectUnknown(u, msg)
			return
		}
		err = h.handleRequest(u, r, msg.fields)
		if err != nil {
			u.sendRequestResponse(r, false, failureOf(err))
		}
	}

	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	h.metrics.ClientMessages.WithLabelValues(msg.name, outcome).Inc()
}

func (h *Hub) rejectUnknown(u *User, msg inbound) {
	h.metrics.ClientMessages.WithLabelValues("unknown", "rejected").Inc()
	h.logger.Debug("unknown operation", "conn", u.id, "name", msg.name)
	resp, err := unknownResponse(msg.kind, msg.name)
	if err != nil {
		h.logger.Error("encode response", "err", err)
		return
	}
	u.deliver(resp)
}

// handleAction validates and starts one action. A returned error is sent
// back as a failure response; PBX-bound actions respond when the PBX does.
func (h *Hub) handleAction(u *User, a models.Action, fields map[string]any) error {
	if a == models.ActionLogin {
		return h.login(u, fields)
	}
	if u.state != stateAuthenticated {
		return ErrNotAuthenticated
	}

	switch a {
	case models.ActionLogout:
		u.sendResponse(a, true, nil)
		h.disconnect(u, "logout")
		return nil
	case models.ActionDial:
		return h.dial(u, fields)
	case models.ActionHangup:
		return h.hangup(u, fields)
	case models.ActionSpy, models.ActionWhisper:
		return h.spy(u, a, fields)
	case models.ActionJoinQueue, models.ActionLeaveQueue:
		return h.queueMembership(u, a, fields)
	case models.ActionPauseQueue, models.ActionUnpauseQueue:
		return h.pauseQueue(u, a, fields)
	}
	return ErrUnknownOperation
}

type loginResult struct {
	account models.Account
	groups  []string
	open    *models.PauseLog
}

func (h *Hub) login(u *User, fields map[string]any) error {
	if u.state == stateAuthenticated || u.loggingIn {
		return ErrAlreadyLoggedIn
	}
	var p loginPayload
	if err := decodeFields(fields, &p); err != nil {
		return err
	}
	if p.Username == "" || p.PasswordHash == "" {
		return ErrMissingField
	}
	if _, taken := h.byName[p.Username]; taken {
		return ErrAlreadyLoggedIn
	}

	u.loggingIn = true
	run(h, "check_user", func(ctx context.Context) (loginResult, error) {
		acct, err := h.store.CheckUser(ctx, p.Username, p.PasswordHash)
		if err != nil {
			return loginResult{}, err
		}
		res := loginResult{account: acct}
		if res.groups, err = h.store.Groups(ctx, acct.Username); err != nil {
			h.logger.Warn("load groups", "username", acct.Username, "err", err)
		}
		open, ok, err := h.store.OpenPause(ctx, acct.Username)
		if err != nil {
			h.logger.Warn("load open pause", "username", acct.Username, "err", err)
		} else if ok {
			res.open = &open
		}
		return res, nil
	}, func(res loginResult, err error) {
		u.loggingIn = false
		if u.state != stateUnauthenticated {
			return
		}
		switch {
		case errors.Is(err, store.ErrInvalidCredentials):
			h.logger.Info("login rejected", "conn", u.id, "username", p.Username)
			u.fail(models.ActionLogin, ErrAuthFailure)
		case err != nil:
			h.logger.Error("check user", "username", p.Username, "err", err)
			u.fail(models.ActionLogin, ErrPersistence)
		case h.byName[res.account.Username] != nil:
			u.fail(models.ActionLogin, ErrAlreadyLoggedIn)
		default:
			u.authenticate(res.account, res.groups, res.open, p.Peer)
		}
	})
	return nil
}

func (h *Hub) dial(u *User, fields map[string]any) error {
	var p dialPayload
	if err := decodeFields(fields, &p); err != nil {
		return err
	}
	if p.Number == "" {
		return ErrMissingField
	}
	if u.peer == "" {
		return ErrUnresolvedTarget
	}
	h.sendAction(u, models.ActionDial, ami.Action{Name: "Originate", Fields: map[string]string{
		"Channel":  u.peer,
		"Exten":    p.Number,
		"Context":  h.dialplan.Context,
		"Priority": "1",
		"CallerID": u.fullname,
		"Async":    "true",
	}})
	return nil
}

func (h *Hub) hangup(u *User, fields map[string]any) error {
	var p targetPayload
	if err := decodeFields(fields, &p); err != nil {
		return err
	}
	target, err := h.resolveTarget(u, p.Username)
	if err != nil {
		return err
	}
	if target.peer == "" {
		return ErrUnresolvedTarget
	}
	channel, ok := h.registry.ChannelOfPeer(target.peer)
	if !ok {
		return ErrUnresolvedTarget
	}
	h.sendAction(u, models.ActionHangup, ami.Action{Name: "Hangup", Fields: map[string]string{
		"Channel": channel,
	}})
	return nil
}

// spy starts a listen-only or whisper call from u's phone onto the target's
// channel.
func (h *Hub) spy(u *User, a models.Action, fields map[string]any) error {
	if u.level < models.LevelSupervisor {
		return ErrPermissionDenied
	}
	var p targetPayload
	if err := decodeFields(fields, &p); err != nil {
		return err
	}
	if p.Username == "" {
		return ErrMissingField
	}
	target, err := h.resolveTarget(u, p.Username)
	if err != nil {
		return err
	}
	if target == u || target.peer == "" || u.peer == "" {
		return ErrUnresolvedTarget
	}

	options := h.dialplan.SpyOptions
	if a == models.ActionWhisper {
		options = h.dialplan.WhisperOptions
	}
	h.sendAction(u, a, ami.Action{Name: "Originate", Fields: map[string]string{
		"Channel":     u.peer,
		"Application": "ChanSpy",
		"Data":        target.peer + "," + options,
		"CallerID":    u.fullname,
		"Async":       "true",
	}})
	return nil
}

func (h *Hub) queueMembership(u *User, a models.Action, fields map[string]any) error {
	var p queuePayload
	if err := decodeFields(fields, &p); err != nil {
		return err
	}
	if p.Queue == "" {
		return ErrMissingField
	}
	target, err := h.resolveTarget(u, p.Username)
	if err != nil {
		return err
	}
	if target.peer == "" {
		return ErrUnresolvedTarget
	}

	if a == models.ActionJoinQueue {
		h.sendAction(u, a, ami.Action{Name: "QueueAdd", Fields: map[string]string{
			"Queue":      p.Queue,
			"Interface":  target.peer,
			"MemberName": target.fullname,
			"Paused":     "false",
		}})
		return nil
	}
	h.sendAction(u, a, ami.Action{Name: "QueueRemove", Fields: map[string]string{
		"Queue":     p.Queue,
		"Interface": target.peer,
	}})
	return nil
}

// pauseQueue pauses or unpauses the target in one queue, or in all of its
// queues when none is named. PauseQueue honours an explicit paused flag.
func (h *Hub) pauseQueue(u *User, a models.Action, fields map[string]any) error {
	var p queuePayload
	if err := decodeFields(fields, &p); err != nil {
		return err
	}
	paused := a == models.ActionPauseQueue
	if a == models.ActionPauseQueue && p.Paused != nil {
		paused = *p.Paused
	}
	target, err := h.resolveTarget(u, p.Username)
	if err != nil {
		return err
	}
	if target.peer == "" {
		return ErrUnresolvedTarget
	}

	f := map[string]string{
		"Interface": target.peer,
		"Paused":    strconv.FormatBool(paused),
	}
	if p.Queue != "" {
		f["Queue"] = p.Queue
	}
	if paused && p.Reason != "" {
		f["Reason"] = p.Reason
	}
	h.sendAction(u, a, ami.Action{Name: "QueuePause", Fields: f})
	return nil
}

// resolveTarget returns the user an action applies to: u itself when no
// username is given, otherwise a visible user, which needs Supervisor+.
func (h *Hub) resolveTarget(u *User, username string) (*User, error) {
	if username == "" || username == u.username {
		return u, nil
	}
	if u.level < models.LevelSupervisor {
		return nil, ErrPermissionDenied
	}
	target, ok := h.byName[username]
	if !ok || !visible(u, target) {
		return nil, ErrUnresolvedTarget
	}
	return target, nil
}

func (h *Hub) handleRequest(u *User, r models.Request, fields map[string]any) error {
	if u.state != stateAuthenticated {
		return ErrNotAuthenticated
	}

	switch r {
	case models.RequestUserList:
		users := make([]UserInfo, 0, len(h.byName))
		for _, other := range h.byName {
			if visible(u, other) {
				users = append(users, other.info())
			}
		}
		sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
		u.sendRequestResponse(r, true, userList{Users: users})
		return nil

	case models.RequestUserInfo:
		var p targetPayload
		if err := decodeFields(fields, &p); err != nil {
			return err
		}
		target := u
		if p.Username != "" {
			other, ok := h.byName[p.Username]
			if !ok || !visible(u, other) {
				return ErrUnresolvedTarget
			}
			target = other
		}
		u.sendRequestResponse(r, true, target.info())
		return nil

	case models.RequestPeerList:
		if u.level < models.LevelSupervisor {
			return ErrPermissionDenied
		}
		u.sendRequestResponse(r, true, peerList{Peers: h.peerInfos()})
		return nil
	}
	return ErrUnknownOperation
}

func (h *Hub) peerInfos() []PeerInfo {
	peers := h.registry.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		info := PeerInfo{Peer: p.Name, Address: p.Address, Channel: p.Channel, Queues: make([]string, 0, len(p.Queues))}
		if p.Channel != "" {
			if state, ok := h.registry.StateOf(p.Channel); ok {
				info.ChannelState = state.String()
			}
		}
		if owner := h.byPeer[p.Name]; owner != nil {
			info.Username = owner.username
		}
		for q := range p.Queues {
			info.Queues = append(info.Queues, q)
		}
		sort.Strings(info.Queues)
		out = append(out, info)
	}
	return out
}
