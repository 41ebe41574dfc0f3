// Package hub is the call-center state hub. A single event loop owns every
// user session, the PBX registry and the action correlation table; network
// readers, the PBX client and persistence jobs talk to it by posting
// closures.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"callhub/internal/ami"
	"callhub/internal/clock"
	"callhub/internal/metrics"
	"callhub/internal/models"
	"callhub/internal/registry"
)

const (
	eventBuffer    = 1024
	outboundBuffer = 256
	pbxOutbox      = 256
	writeTimeout   = 10 * time.Second
)

// Conn is one client connection as seen by the hub.
type Conn interface {
	RemoteIP() string
	Transport() string
	Write(ctx context.Context, msg []byte) error
	Close() error
}

// Store is the persistence gateway.
type Store interface {
	CheckUser(ctx context.Context, username, passwordHash string) (models.Account, error)
	Groups(ctx context.Context, username string) ([]string, error)
	StartSession(ctx context.Context, username string, start time.Time) (int64, error)
	FinishSession(ctx context.Context, id int64, finish time.Time) error
	StartPause(ctx context.Context, username, reason string, start time.Time) (int64, error)
	FinishPause(ctx context.Context, id int64, finish time.Time) error
	OpenPause(ctx context.Context, username string) (models.PauseLog, bool, error)
}

// PBX sends manager actions.
type PBX interface {
	Send(ctx context.Context, a ami.Action) error
}

// Mirror receives a copy of every broadcast frame.
type Mirror interface {
	Publish(frame []byte)
}

type Dialplan struct {
	Context        string
	SpyOptions     string
	WhisperOptions string
}

type Options struct {
	Store    Store
	PBX      PBX
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Mirror   Mirror
	Dialplan Dialplan

	LoginTimeout         time.Duration
	QueryTimeout         time.Duration
	HousekeepingInterval time.Duration
}

type pendingAction struct {
	user   string
	action models.Action
	name   string
}

type Hub struct {
	store        Store
	pbx          PBX
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	mirror       Mirror
	dialplan     Dialplan
	loginTimeout time.Duration
	queryTimeout time.Duration
	housekeeping time.Duration

	events chan func()
	outbox chan ami.Action
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the event loop.
	registry *registry.Registry
	users    map[string]*User
	byName   map[string]*User
	byPeer   map[string]*User
	pending  map[string]pendingAction
	pbxUp    bool
	inflight int
	stopping bool
}

func New(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 15 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:        opts.Store,
		pbx:          opts.PBX,
		clock:        opts.Clock,
		logger:       opts.Logger.With("component", "hub"),
		metrics:      opts.Metrics,
		mirror:       opts.Mirror,
		dialplan:     opts.Dialplan,
		loginTimeout: opts.LoginTimeout,
		queryTimeout: opts.QueryTimeout,
		housekeeping: opts.HousekeepingInterval,
		events:       make(chan func(), eventBuffer),
		outbox:       make(chan ami.Action, pbxOutbox),
		ctx:          ctx,
		cancel:       cancel,
		registry:     registry.New(opts.Clock.Now),
		users:        make(map[string]*User),
		byName:       make(map[string]*User),
		byPeer:       make(map[string]*User),
		pending:      make(map[string]pendingAction),
	}
}

// Run processes posted work until ctx is cancelled, then closes every
// connection and open session row.
func (h *Hub) Run(ctx context.Context) error {
	go h.sendLoop()
	h.scheduleHousekeeping()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case fn := <-h.events:
			fn()
		}
	}
}

// post queues fn for the event loop. It must not be called from the loop
// itself.
func (h *Hub) post(fn func()) {
	select {
	case h.events <- fn:
	case <-h.ctx.Done():
	}
}

// do runs fn on the event loop and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.events <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrStopped
	}
}

// run executes job off the loop with the query timeout and hands its result
// back to then on the loop. It must be called from the loop. Shutdown waits
// for every job and its continuation.
func run[T any](h *Hub, op string, job func(ctx context.Context) (T, error), then func(T, error)) {
	h.inflight++
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), h.queryTimeout)
		start := time.Now()
		v, err := job(ctx)
		cancel()

		status := "ok"
		if err != nil {
			status = "error"
		}
		h.metrics.PersistenceTiming.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
		h.post(func() {
			h.inflight--
			then(v, err)
		})
	}()
}

// Accept registers a new unauthenticated connection and returns its id.
func (h *Hub) Accept(conn Conn) string {
	u := newUser(h, uuid.NewString(), conn)
	go u.writeLoop()
	h.post(func() { h.register(u) })
	return u.id
}

// Receive hands one inbound message of connection id to the router.
func (h *Hub) Receive(id string, payload []byte) {
	h.post(func() {
		u, ok := h.users[id]
		if !ok {
			return
		}
		h.route(u, payload)
	})
}

// Disconnect terminates connection id after its transport closed.
func (h *Hub) Disconnect(id string) {
	h.post(func() {
		if u, ok := h.users[id]; ok {
			h.disconnect(u, "connection closed")
		}
	})
}

// Users returns a snapshot of the authenticated users.
func (h *Hub) Users(ctx context.Context) ([]UserInfo, error) {
	var out []UserInfo
	err := h.do(ctx, func() {
		out = make([]UserInfo, 0, len(h.byName))
		for _, u := range h.byName {
			out = append(out, u.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

func (h *Hub) register(u *User) {
	if h.stopping {
		u.state = stateTerminated
		close(u.out)
		return
	}
	h.users[u.id] = u
	u.idle = h.clock.AfterFunc(h.loginTimeout, func() {
		h.post(func() { h.loginExpired(u) })
	})
	h.logger.Debug("connection accepted", "conn", u.id, "ip", u.ip, "transport", u.conn.Transport())
	h.refreshGauges()
}

func (h *Hub) loginExpired(u *User) {
	if u.state != stateUnauthenticated {
		return
	}
	h.logger.Info("login timeout", "conn", u.id, "ip", u.ip)
	h.disconnect(u, "login timeout")
}

// disconnect terminates u. Calling it on a terminated user does nothing.
func (h *Hub) disconnect(u *User, reason string) {
	if u.state == stateTerminated {
		return
	}
	wasAuthenticated := u.state == stateAuthenticated
	u.state = stateTerminated
	if u.idle != nil {
		u.idle.Stop()
		u.idle = nil
	}
	delete(h.users, u.id)
	for id, p := range h.pending {
		if p.user == u.id {
			delete(h.pending, id)
		}
	}

	if wasAuthenticated {
		if h.byName[u.username] == u {
			delete(h.byName, u.username)
		}
		if u.peer != "" && h.byPeer[u.peer] == u {
			delete(h.byPeer, u.peer)
		}
		u.finishSession()
		h.broadcast(u, audienceOf(u.level), userDisconnected{Username: u.username})
	}
	close(u.out)

	h.logger.Info("connection closed", "conn", u.id, "username", u.username, "reason", reason)
	h.refreshGauges()
}

// shutdown terminates every connection, then keeps running continuations
// until no persistence job is left so that every session row is finished.
func (h *Hub) shutdown() {
	h.stopping = true
	for _, u := range h.users {
		h.disconnect(u, "shutdown")
	}
	for h.inflight > 0 {
		fn := <-h.events
		fn()
	}
	h.cancel()
}

func (h *Hub) scheduleHousekeeping() {
	h.clock.AfterFunc(h.housekeeping, func() {
		h.post(func() {
			h.housekeep()
			h.scheduleHousekeeping()
		})
	})
}

func (h *Hub) housekeep() {
	h.refreshGauges()
	h.metrics.PendingActions.Set(float64(len(h.pending)))
	h.metrics.ActiveChannels.Set(float64(h.registry.ChannelCount()))
	h.logger.Debug("housekeeping",
		"connections", len(h.users),
		"authenticated", len(h.byName),
		"pending_actions", len(h.pending),
		"channels", h.registry.ChannelCount(),
	)
}

func (h *Hub) refreshGauges() {
	counts := map[string]int{"unauthenticated": 0}
	for _, l := range []models.Level{models.LevelAgent, models.LevelSupervisor, models.LevelManager} {
		counts[strings.ToLower(l.String())] = 0
	}
	for _, u := range h.users {
		if u.state == stateAuthenticated {
			counts[strings.ToLower(u.level.String())]++
		} else {
			counts["unauthenticated"]++
		}
	}
	for state, n := range counts {
		h.metrics.Sessions.WithLabelValues(state).Set(float64(n))
	}
}
