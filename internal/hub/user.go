package hub

import (
	"context"
	"sort"
	"time"

	"callhub/internal/clock"
	"callhub/internal/models"
)

type userState int

const (
	stateUnauthenticated userState = iota
	stateAuthenticated
	stateTerminated
)

// logRow tracks one session or pause row whose insert may still be in
// flight.
type logRow struct {
	id          int64
	opening     bool
	closeOnOpen bool
}

type membership struct {
	state  models.QueueState
	reason string
}

// User is one client connection and, once logged in, the agent behind it.
// All fields except out and conn belong to the event loop.
type User struct {
	hub   *Hub
	id    string
	ip    string
	conn  Conn
	out   chan []byte
	state userState
	idle  clock.Timer

	loggingIn bool
	username  string
	fullname  string
	level     models.Level
	groups    []string

	peer        string
	pinned      bool
	phoneState  models.PhoneState
	lastCall    time.Time
	queues      map[string]membership
	queueState  models.QueueState
	pauseReason string

	sessionRow logRow
	pauseRow   logRow
}

func newUser(h *Hub, id string, conn Conn) *User {
	return &User{
		hub:    h,
		id:     id,
		ip:     conn.RemoteIP(),
		conn:   conn,
		out:    make(chan []byte, outboundBuffer),
		queues: make(map[string]membership),
	}
}

// writeLoop writes queued frames until out is closed, then closes the
// connection.
func (u *User) writeLoop() {
	defer u.conn.Close()
	for msg := range u.out {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := u.conn.Write(ctx, msg)
		cancel()
		if err != nil {
			u.hub.logger.Debug("write failed", "conn", u.id, "err", err)
			u.conn.Close()
			for range u.out {
			}
			return
		}
	}
}

// deliver queues msg without blocking. A client too slow to keep up has
// its connection closed.
func (u *User) deliver(msg []byte) {
	if u.state == stateTerminated {
		return
	}
	select {
	case u.out <- msg:
		u.hub.metrics.Deliveries.WithLabelValues("sent").Inc()
	default:
		u.hub.metrics.Deliveries.WithLabelValues("dropped").Inc()
		u.hub.logger.Warn("outbound buffer full, closing connection", "conn", u.id, "username", u.username)
		u.conn.Close()
	}
}

func (u *User) sendEvent(ev event) {
	msg, err := encodeEvent(ev)
	if err != nil {
		u.hub.logger.Error("encode event", "event", ev.name().String(), "err", err)
		return
	}
	u.deliver(msg)
}

func (u *User) sendResponse(a models.Action, success bool, payload any) {
	msg, err := actionResponse(a, success, payload)
	if err != nil {
		u.hub.logger.Error("encode response", "action", a.String(), "err", err)
		return
	}
	u.deliver(msg)
}

func (u *User) sendRequestResponse(r models.Request, success bool, payload any) {
	msg, err := requestResponse(r, success, payload)
	if err != nil {
		u.hub.logger.Error("encode response", "request", r.String(), "err", err)
		return
	}
	u.deliver(msg)
}

func (u *User) fail(a models.Action, err error) {
	u.sendResponse(a, false, failureOf(err))
}

// notify sends ev to u and to everyone in u's audience.
func (u *User) notify(ev event) {
	u.sendEvent(ev)
	u.hub.broadcast(u, audienceOf(u.level), ev)
}

func (u *User) info() UserInfo {
	queues := make([]string, 0, len(u.queues))
	for q := range u.queues {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return UserInfo{
		Username:    u.username,
		Fullname:    u.fullname,
		Level:       u.level.String(),
		Groups:      append([]string{}, u.groups...),
		Peer:        u.peer,
		Queues:      queues,
		PhoneState:  u.phoneState.String(),
		QueueState:  u.queueState.String(),
		PauseReason: u.pauseReason,
		Transport:   u.conn.Transport(),
	}
}

// authenticate moves u to Authenticated. The Login response goes out before
// any event about u.
func (u *User) authenticate(acct models.Account, groups []string, open *models.PauseLog, requestedPeer string) {
	h := u.hub
	u.state = stateAuthenticated
	u.username = acct.Username
	u.fullname = acct.Fullname
	u.level = acct.Level
	u.groups = groups
	if u.idle != nil {
		u.idle.Stop()
		u.idle = nil
	}
	h.byName[u.username] = u

	if open != nil {
		u.pauseRow = logRow{id: open.ID}
		h.logger.Info("adopted open pause", "username", u.username, "pause_id", open.ID)
	}
	u.startSession()

	peer := requestedPeer
	if peer == "" {
		peer, _ = h.registry.PeerByAddress(u.ip)
	}
	if owner := h.byPeer[peer]; peer != "" && owner != nil {
		h.logger.Warn("peer already assigned", "peer", peer, "username", u.username, "owner", owner.username)
		peer = ""
	}
	u.pinned = requestedPeer != "" && peer != ""
	u.assignPeer(peer)
	u.loadPeerState()

	u.sendResponse(models.ActionLogin, true, u.info())
	h.broadcast(u, audienceOf(u.level), userConnected{UserInfo: u.info()})
	if u.peer != "" {
		u.sendEvent(peerChanged{Peer: u.peer})
	}
	u.syncPauseLog()

	h.logger.Info("user logged in", "conn", u.id, "username", u.username, "level", u.level.String(), "peer", u.peer)
	h.refreshGauges()
}

func (u *User) assignPeer(peer string) {
	h := u.hub
	if u.peer != "" && h.byPeer[u.peer] == u {
		delete(h.byPeer, u.peer)
	}
	u.peer = peer
	if peer != "" {
		h.byPeer[peer] = u
	}
}

// loadPeerState reads phone and queue state of u's peer from the registry
// without emitting anything.
func (u *User) loadPeerState() {
	reg := u.hub.registry
	u.phoneState, u.lastCall = models.PhoneIdle, time.Time{}
	u.queues = make(map[string]membership)
	defer func() { u.queueState, u.pauseReason = u.aggregateQueueState() }()
	if u.peer == "" {
		return
	}
	if ch, ok := reg.ChannelOfPeer(u.peer); ok {
		state, _ := reg.StateOf(ch)
		u.phoneState = models.PhoneStateOf(state)
		u.lastCall, _ = reg.LastCallOf(ch)
	}
	if p, ok := reg.Peer(u.peer); ok {
		for q, m := range p.Queues {
			u.queues[q] = membershipOf(m.Paused, m.Reason)
		}
	}
}

func membershipOf(paused bool, reason string) membership {
	if paused {
		return membership{state: models.QueuePaused, reason: reason}
	}
	return membership{state: models.QueueAvailable}
}

// setPeer moves u to peer and emits whatever that changes.
func (u *User) setPeer(peer string) {
	if peer == u.peer {
		return
	}
	u.assignPeer(peer)
	u.reproject()
	u.sendEvent(peerChanged{Peer: peer})
	u.hub.logger.Info("peer changed", "username", u.username, "peer", peer)
}

// reproject reloads u's state from the registry and emits the difference.
func (u *User) reproject() {
	prevPhone := u.phoneState
	prevQueues := u.queues

	u.loadPeerState()

	if u.phoneState != prevPhone {
		u.notify(u.phoneEvent())
	}
	for q := range prevQueues {
		if _, ok := u.queues[q]; !ok {
			u.notify(queueLeft{Username: u.username, Queue: q})
		}
	}
	for _, q := range sortedQueues(u.queues) {
		m := u.queues[q]
		prev, ok := prevQueues[q]
		if !ok {
			u.notify(queueJoined{Username: u.username, Queue: q})
		}
		if !ok || prev != m {
			u.notify(u.queueEvent(q, m))
		}
	}
	u.syncPauseLog()
}

func sortedQueues(m map[string]membership) []string {
	out := make([]string, 0, len(m))
	for q := range m {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (u *User) phoneEvent() phoneStateChanged {
	ev := phoneStateChanged{Username: u.username, PhoneState: u.phoneState.String()}
	if !u.lastCall.IsZero() {
		d := int64(u.hub.clock.Now().Sub(u.lastCall) / time.Second)
		ev.Duration = &d
	}
	return ev
}

func (u *User) queueEvent(queue string, m membership) queueStateChanged {
	ev := queueStateChanged{Username: u.username, Queue: queue, QueueState: m.state.String()}
	if m.state == models.QueuePaused {
		ev.PauseReason = m.reason
	}
	return ev
}

// setPhoneState records the new phone state and, when it differs from the
// current one, tells u and its audience.
func (u *User) setPhoneState(state models.PhoneState, lastCall time.Time) {
	u.lastCall = lastCall
	if state == u.phoneState {
		return
	}
	u.phoneState = state
	u.notify(u.phoneEvent())
}

// setQueueState records u's state in one queue, emits it and reconciles the
// pause log.
func (u *User) setQueueState(queue string, state models.QueueState, reason string) {
	m := membership{state: state}
	if state == models.QueuePaused {
		m.reason = reason
	}
	u.queues[queue] = m
	u.notify(u.queueEvent(queue, m))
	u.syncPauseLog()
}

func (u *User) joinQueue(queue string, paused bool, reason string) {
	m := membershipOf(paused, reason)
	if _, ok := u.queues[queue]; ok {
		u.setQueueState(queue, m.state, m.reason)
		return
	}
	u.queues[queue] = m
	u.notify(queueJoined{Username: u.username, Queue: queue})
	u.notify(u.queueEvent(queue, m))
	u.syncPauseLog()
}

func (u *User) leaveQueue(queue string) {
	if _, ok := u.queues[queue]; !ok {
		return
	}
	delete(u.queues, queue)
	u.notify(queueLeft{Username: u.username, Queue: queue})
	u.syncPauseLog()
}

// aggregateQueueState is Paused if any queue is paused, Available if u is a
// member of some queue and None otherwise. The reason is that of the first
// paused queue by name.
func (u *User) aggregateQueueState() (models.QueueState, string) {
	if len(u.queues) == 0 {
		return models.QueueNone, ""
	}
	for _, q := range sortedQueues(u.queues) {
		if m := u.queues[q]; m.state == models.QueuePaused {
			return models.QueuePaused, m.reason
		}
	}
	return models.QueueAvailable, ""
}

// syncPauseLog opens or closes the pause row to match the aggregate queue
// state.
func (u *User) syncPauseLog() {
	u.queueState, u.pauseReason = u.aggregateQueueState()
	if u.queueState == models.QueuePaused {
		u.pause(u.pauseReason)
	} else {
		u.unpause()
	}
}

func (u *User) startSession() {
	h := u.hub
	username := u.username
	start := h.clock.Now()
	u.sessionRow.opening = true
	run(h, "start_session", func(ctx context.Context) (int64, error) {
		return h.store.StartSession(ctx, username, start)
	}, func(id int64, err error) {
		u.sessionRow.opening = false
		if err != nil {
			h.logger.Error("start session", "username", username, "err", err)
			return
		}
		if u.sessionRow.closeOnOpen {
			u.sessionRow.closeOnOpen = false
			h.finishRow("finish_session", id, h.store.FinishSession)
			return
		}
		u.sessionRow.id = id
	})
}

func (u *User) finishSession() {
	if u.sessionRow.opening {
		u.sessionRow.closeOnOpen = true
		return
	}
	if u.sessionRow.id == 0 {
		return
	}
	id := u.sessionRow.id
	u.sessionRow.id = 0
	u.hub.finishRow("finish_session", id, u.hub.store.FinishSession)
}

// pause opens a pause row unless one is open or being opened. Pausing again
// while the row is being opened keeps it open.
func (u *User) pause(reason string) {
	if u.pauseRow.opening {
		u.pauseRow.closeOnOpen = false
		return
	}
	if u.pauseRow.id != 0 {
		return
	}
	h := u.hub
	username := u.username
	start := h.clock.Now()
	u.pauseRow.opening = true
	run(h, "start_pause", func(ctx context.Context) (int64, error) {
		return h.store.StartPause(ctx, username, reason, start)
	}, func(id int64, err error) {
		u.pauseRow.opening = false
		if err != nil {
			h.logger.Error("start pause", "username", username, "err", err)
			return
		}
		if u.pauseRow.closeOnOpen {
			u.pauseRow.closeOnOpen = false
			h.finishRow("finish_pause", id, h.store.FinishPause)
			return
		}
		u.pauseRow.id = id
	})
}

// unpause closes the open pause row. Without one it does nothing.
func (u *User) unpause() {
	if u.pauseRow.opening {
		u.pauseRow.closeOnOpen = true
		return
	}
	if u.pauseRow.id == 0 {
		return
	}
	id := u.pauseRow.id
	u.pauseRow.id = 0
	u.hub.finishRow("finish_pause", id, u.hub.store.FinishPause)
}

func (h *Hub) finishRow(op string, id int64, finish func(context.Context, int64, time.Time) error) {
	at := h.clock.Now()
	run(h, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, finish(ctx, id, at)
	}, func(_ struct{}, err error) {
		if err != nil {
			h.logger.Error(op, "row_id", id, "err", err)
		}
	})
}
