// Package registry keeps the in-memory projection of PBX peers, channels
// and queue memberships. It is mutated only by Apply and is not safe for
// concurrent use; the hub's event loop owns it.
package registry

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"callhub/internal/models"
)

type ChangeKind int

const (
	ChannelUpdated ChangeKind = iota
	ChannelRemoved
	PeerRegistered
	PeerUnregistered
	QueueJoined
	QueueLeft
	QueuePaused
)

// Change is a derived fact produced by Apply.
type Change struct {
	Kind     ChangeKind
	Peer     string
	Channel  string
	State    models.ChannelState
	LastCall time.Time
	Address  string
	Queue    string
	Paused   bool
	Reason   string
}

type Membership struct {
	Paused bool
	Reason string
}

type Peer struct {
	Name    string
	Address string
	Channel string
	Queues  map[string]Membership
}

type Channel struct {
	ID       string
	Peer     string
	State    models.ChannelState
	LastCall time.Time
}

type Registry struct {
	now       func() time.Time
	peers     map[string]*Peer
	byAddress map[string]string
	channels  map[string]*Channel
}

func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:       now,
		peers:     make(map[string]*Peer),
		byAddress: make(map[string]string),
		channels:  make(map[string]*Channel),
	}
}

// ResetChannels forgets every channel. Peers and queue memberships are kept;
// the PBX snapshot taken after a reconnect refreshes them in place.
func (r *Registry) ResetChannels() {
	r.channels = make(map[string]*Channel)
	for _, p := range r.peers {
		p.Channel = ""
	}
}

// Apply updates the registry from one PBX event and returns what changed.
// Unknown event kinds and events missing their key fields yield nothing.
func (r *Registry) Apply(kind string, fields map[string]string) []Change {
	switch kind {
	case "PeerEntry":
		return r.peerEntry(fields)
	case "PeerStatus":
		return r.peerStatus(fields)
	case "Newchannel", "Newstate":
		return r.channelState(fields, r.now())
	case "CoreShowChannel":
		return r.channelState(fields, r.now().Add(-parseDuration(fields["Duration"])))
	case "Hangup":
		return r.hangup(fields)
	case "QueueMember", "QueueMemberAdded":
		return r.queueMember(fields)
	case "QueueMemberPause", "QueueMemberPaused":
		return r.queuePause(fields)
	case "QueueMemberRemoved":
		return r.queueRemoved(fields)
	}
	return nil
}

func (r *Registry) peerEntry(fields map[string]string) []Change {
	name := fields["ObjectName"]
	if name == "" {
		return nil
	}
	tech := fields["Channeltype"]
	if tech == "" {
		tech = "SIP"
	}
	peer := r.ensurePeer(tech + "/" + name)
	return r.setAddress(peer, normalizeAddress(fields["IPaddress"]))
}

func (r *Registry) peerStatus(fields map[string]string) []Change {
	name := fields["Peer"]
	if name == "" {
		return nil
	}
	peer := r.ensurePeer(name)
	switch fields["PeerStatus"] {
	case "Unregistered", "Unreachable", "Rejected":
		return r.setAddress(peer, "")
	case "Registered", "Reachable":
		if addr := normalizeAddress(fields["Address"]); addr != "" {
			return r.setAddress(peer, addr)
		}
	}
	return nil
}

func (r *Registry) setAddress(peer *Peer, addr string) []Change {
	if peer.Address == addr {
		return nil
	}
	if peer.Address != "" && r.byAddress[peer.Address] == peer.Name {
		delete(r.byAddress, peer.Address)
	}
	peer.Address = addr
	if addr == "" {
		return []Change{{Kind: PeerUnregistered, Peer: peer.Name}}
	}
	r.byAddress[addr] = peer.Name
	return []Change{{Kind: PeerRegistered, Peer: peer.Name, Address: addr}}
}

func (r *Registry) channelState(fields map[string]string, started time.Time) []Change {
	id := fields["Channel"]
	if id == "" {
		return nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(fields["ChannelState"]))
	if err != nil {
		code = -1
	}
	state := models.ChannelStateFromCode(code)

	// A channel that went Down is gone, as after a Hangup.
	if state == models.ChannelDown {
		return r.remove(id)
	}

	ch, ok := r.channels[id]
	if !ok {
		ch = &Channel{ID: id, LastCall: started}
		if peer, known := r.peers[peerName(id)]; known {
			ch.Peer = peer.Name
		}
		r.channels[id] = ch
	}
	ch.State = state
	if ch.Peer != "" {
		r.peers[ch.Peer].Channel = id
	}

	return []Change{{Kind: ChannelUpdated, Peer: ch.Peer, Channel: id, State: state, LastCall: ch.LastCall}}
}

func (r *Registry) hangup(fields map[string]string) []Change {
	return r.remove(fields["Channel"])
}

func (r *Registry) remove(id string) []Change {
	ch, ok := r.channels[id]
	if !ok {
		return nil
	}
	delete(r.channels, id)

	if peer, known := r.peers[ch.Peer]; known && peer.Channel == id {
		peer.Channel = r.latestChannelOf(peer.Name)
	}
	return []Change{{Kind: ChannelRemoved, Peer: ch.Peer, Channel: id, State: models.ChannelDown}}
}

func (r *Registry) latestChannelOf(peer string) string {
	var latest *Channel
	for _, ch := range r.channels {
		if ch.Peer != peer {
			continue
		}
		if latest == nil || ch.LastCall.After(latest.LastCall) {
			latest = ch
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ID
}

func (r *Registry) queueMember(fields map[string]string) []Change {
	queue := fields["Queue"]
	peer := r.memberPeer(fields)
	if queue == "" || peer == nil {
		return nil
	}
	m := Membership{Paused: fields["Paused"] == "1", Reason: pausedReason(fields)}
	if !m.Paused {
		m.Reason = ""
	}
	_, existed := peer.Queues[queue]
	peer.Queues[queue] = m

	kind := QueueJoined
	if existed {
		kind = QueuePaused
	}
	return []Change{{Kind: kind, Peer: peer.Name, Queue: queue, Paused: m.Paused, Reason: m.Reason}}
}

func (r *Registry) queuePause(fields map[string]string) []Change {
	queue := fields["Queue"]
	peer := r.memberPeer(fields)
	if queue == "" || peer == nil {
		return nil
	}
	if _, member := peer.Queues[queue]; !member {
		return r.queueMember(fields)
	}
	m := Membership{Paused: fields["Paused"] == "1"}
	if m.Paused {
		m.Reason = pausedReason(fields)
	}
	peer.Queues[queue] = m
	return []Change{{Kind: QueuePaused, Peer: peer.Name, Queue: queue, Paused: m.Paused, Reason: m.Reason}}
}

func (r *Registry) queueRemoved(fields map[string]string) []Change {
	queue := fields["Queue"]
	peer := r.memberPeer(fields)
	if queue == "" || peer == nil {
		return nil
	}
	if _, member := peer.Queues[queue]; !member {
		return nil
	}
	delete(peer.Queues, queue)
	return []Change{{Kind: QueueLeft, Peer: peer.Name, Queue: queue}}
}

// memberPeer resolves the interface of a queue member event to a known peer.
func (r *Registry) memberPeer(fields map[string]string) *Peer {
	for _, key := range []string{"Interface", "Location", "StateInterface"} {
		if p, ok := r.peers[fields[key]]; ok {
			return p
		}
	}
	return nil
}

func (r *Registry) ensurePeer(name string) *Peer {
	p, ok := r.peers[name]
	if !ok {
		p = &Peer{Name: name, Queues: make(map[string]Membership)}
		r.peers[name] = p
	}
	return p
}

// PeerOf returns the known peer owning a channel. Anonymous channels report
// false.
func (r *Registry) PeerOf(channel string) (string, bool) {
	ch, ok := r.channels[channel]
	if !ok || ch.Peer == "" {
		return "", false
	}
	return ch.Peer, true
}

func (r *Registry) StateOf(channel string) (models.ChannelState, bool) {
	ch, ok := r.channels[channel]
	if !ok {
		return models.ChannelUnknown, false
	}
	return ch.State, true
}

func (r *Registry) LastCallOf(channel string) (time.Time, bool) {
	ch, ok := r.channels[channel]
	if !ok || ch.LastCall.IsZero() {
		return time.Time{}, false
	}
	return ch.LastCall, true
}

// ChannelOfPeer returns the current channel of a peer.
func (r *Registry) ChannelOfPeer(peer string) (string, bool) {
	p, ok := r.peers[peer]
	if !ok || p.Channel == "" {
		return "", false
	}
	return p.Channel, true
}

func (r *Registry) PeerByAddress(addr string) (string, bool) {
	name, ok := r.byAddress[addr]
	return name, ok
}

// Peer returns a copy of a known peer.
func (r *Registry) Peer(name string) (Peer, bool) {
	p, ok := r.peers[name]
	if !ok {
		return Peer{}, false
	}
	return copyPeer(p), true
}

// Peers returns copies of all known peers ordered by name.
func (r *Registry) Peers() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, copyPeer(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ChannelCount() int { return len(r.channels) }

func copyPeer(p *Peer) Peer {
	c := *p
	c.Queues = make(map[string]Membership, len(p.Queues))
	for q, m := range p.Queues {
		c.Queues[q] = m
	}
	return c
}

// peerName strips the per-call suffix: "SIP/101-0000000a" -> "SIP/101".
func peerName(channel string) string {
	if i := strings.LastIndexByte(channel, '-'); i > strings.IndexByte(channel, '/') {
		return channel[:i]
	}
	return channel
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == "-none-" || addr == "(null)" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "0.0.0.0" {
		return ""
	}
	return addr
}

func pausedReason(fields map[string]string) string {
	if r := fields["PausedReason"]; r != "" {
		return r
	}
	return fields["Reason"]
}

// parseDuration reads an "HH:MM:SS" duration; malformed values yield zero.
func parseDuration(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0
	}
	var total int
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}
