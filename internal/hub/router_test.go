package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"callhub/internal/ami"
)

func TestMalformedMessagesAreDropped(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "{action:"},
		{name: "no operation", payload: `{"type":"Request"}`},
		{name: "null", payload: "null"},
		{name: "array", payload: `["Login"]`},
	}

	hs := newHarness(t)
	c, id := hs.connect("10.0.0.1")
	for _, tc := range tests {
		hs.hub.Receive(id, []byte(tc.payload))
	}
	hs.sync()

	require.Empty(t, drain(t, c))
	require.False(t, c.isClosed())
}

func TestUnknownOperation(t *testing.T) {
	hs := newHarness(t)
	c, id := hs.connect("10.0.0.1")

	hs.send(id, map[string]any{"action": "Teleport"})
	resp := expect(t, c, isResponse("Teleport"))
	require.Equal(t, false, resp["success"])
	require.Equal(t, "unknown_operation", resp["reason"])

	hs.send(id, map[string]any{"request": "Weather"})
	resp = expect(t, c, isResponse("Weather"))
	require.Equal(t, false, resp["success"])
	require.Equal(t, "unknown_operation", resp["reason"])
}

func TestActionsRequireLogin(t *testing.T) {
	hs := newHarness(t)
	c, id := hs.connect("10.0.0.1")

	hs.send(id, map[string]any{"action": "Dial", "number": "200"})
	resp := expect(t, c, isResponse("Dial"))
	require.Equal(t, false, resp["success"])
	require.Equal(t, "not_authenticated", resp["reason"])

	hs.send(id, map[string]any{"request": "UserList"})
	resp = expect(t, c, isResponse("UserList"))
	require.Equal(t, "not_authenticated", resp["reason"])
}

// agentWithPeer logs alice in on SIP/101 with the PBX up.
func agentWithPeer(t *testing.T) (*harness, *fakeConn, string) {
	t.Helper()
	hs := newHarness(t)
	hs.pbxUp()
	hs.registerPeer("101", "10.0.0.1")
	c, id := hs.login("10.0.0.1", "alice")
	return hs, c, id
}

func TestDial(t *testing.T) {
	hs, c, id := agentWithPeer(t)

	hs.send(id, map[string]any{"action": "Dial", "number": "5551234"})
	a := hs.nextAction()
	require.Equal(t, "Originate", a.Name)
	require.NotEmpty(t, a.ID)
	require.Equal(t, map[string]string{
		"Channel":  "SIP/101",
		"Exten":    "5551234",
		"Context":  "from-internal",
		"Priority": "1",
		"CallerID": "Alice Agent",
		"Async":    "true",
	}, a.Fields)

	hs.hub.PBXResponse(ami.Response{Status: "Success", ActionID: a.ID, Message: "Originate successfully queued"})
	resp := expect(t, c, isResponse("Dial"))
	require.Equal(t, true, resp["success"])
	require.Equal(t, "Originate successfully queued", resp["message"])
}

func TestDialNumberAsNumber(t *testing.T) {
	hs, _, id := agentWithPeer(t)

	hs.send(id, map[string]any{"action": "Dial", "number": 200})
	a := hs.nextAction()
	require.Equal(t, "200", a.Fields["Exten"])
}

func TestDialValidation(t *testing.T) {
	tests := []struct {
		name   string
		ip     string
		msg    map[string]any
		reason string
	}{
		{name: "missing number", ip: "10.0.0.1", msg: map[string]any{"action": "Dial"}, reason: "missing_field"},
		{name: "no peer", ip: "10.0.0.9", msg: map[string]any{"action": "Dial", "number": "200"}, reason: "unresolved_target"},
		{name: "bad field type", ip: "10.0.0.1", msg: map[string]any{"action": "Dial", "number": []string{"1"}}, reason: "malformed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hs := newHarness(t)
			hs.pbxUp()
			hs.registerPeer("101", "10.0.0.1")
			c, id := hs.login(tc.ip, "alice")

			hs.send(id, tc.msg)
			resp := expect(t, c, isResponse("Dial"))
			require.Equal(t, false, resp["success"])
			require.Equal(t, tc.reason, resp["reason"])
			require.Empty(t, hs.pbx.actions)
		})
	}
}

func TestPBXErrorResponse(t *testing.T) {
	hs, c, id := agentWithPeer(t)

	hs.send(id, map[string]any{"action": "Dial", "number": "200"})
	a := hs.nextAction()
	hs.hub.PBXResponse(ami.Response{Status: "Error", ActionID: a.ID, Message: "Extension does not exist."})

	resp := expect(t, c, isResponse("Dial"))
	require.Equal(t, false, resp["success"])
	require.Equal(t, "pbx_error", resp["reason"])
	require.Equal(t, "Extension does not exist.", resp["message"])

	// A repeated response for the same id is ignored.
	hs.hub.PBXResponse(ami.Response{Status: "Success", ActionID: a.ID})
	require.Zero(t, count(drain(t, c), isResponse("Dial")))
}

func TestPBXUnavailable(t *testing.T) {
	t.Run("down before the action", func(t *testing.T) {
		hs := newHarness(t)
		hs.registerPeer("101", "10.0.0.1")
		c, id := hs.login("10.0.0.1", "alice")

		hs.send(id, map[string]any{"action": "Dial", "number": "200"})
		resp := expect(t, c, isResponse("Dial"))
		require.Equal(t, false, resp["success"])
		require.Equal(t, "pbx_unavailable", resp["reason"])
	})

	t.Run("lost while pending", func(t *testing.T) {
		hs, c, id := agentWithPeer(t)
		hs.send(id, map[string]any{"action": "Dial", "number": "200"})
		a := hs.nextAction()

		hs.hub.PBXDisconnected()
		resp := expect(t, c, isResponse("Dial"))
		require.Equal(t, false, resp["success"])
		require.Equal(t, "pbx_unavailable", resp["reason"])

		hs.hub.PBXResponse(ami.Response{Status: "Success", ActionID: a.ID})
		require.Zero(t, count(drain(t, c), isResponse("Dial")))
	})

	t.Run("send fails", func(t *testing.T) {
		hs, c, id := agentWithPeer(t)
		hs.pbx.mu.Lock()
		hs.pbx.err = errors.New("broken pipe")
		hs.pbx.mu.Unlock()

		hs.send(id, map[string]any{"action": "Dial", "number": "200"})
		resp := expect(t, c, isResponse("Dial"))
		require.Equal(t, "pbx_unavailable", resp["reason"])
	})
}

func TestHangup(t *testing.T) {
	hs, c, id := agentWithPeer(t)

	hs.send(id, map[string]any{"action": "Hangup"})
	resp := expect(t, c, isResponse("Hangup"))
	require.Equal(t, "unresolved_target", resp["reason"], "no channel to hang up")

	hs.event("Newchannel", map[string]string{"Channel": "SIP/101-0000000a", "ChannelState": "6"})
	hs.sync()
	hs.send(id, map[string]any{"action": "Hangup"})
	a := hs.nextAction()
	require.Equal(t, "Hangup", a.Name)
	require.Equal(t, "SIP/101-0000000a", a.Fields["Channel"])
}

func TestActingOnOthers(t *testing.T) {
	hs := newHarness(t)
	hs.pbxUp()
	hs.registerPeer("101", "10.0.0.1")
	hs.registerPeer("102", "10.0.0.2")
	hs.registerPeer("103", "10.0.0.3")
	hs.login("10.0.0.1", "alice")
	adam, adamID := hs.login("10.0.0.4", "adam")
	sam, samID := hs.login("10.0.0.2", "sam")
	hs.login("10.0.0.3", "max")

	hs.send(adamID, map[string]any{"action": "PauseQueue", "username": "alice", "queue": "support"})
	resp := expect(t, adam, isResponse("PauseQueue"))
	require.Equal(t, "permission_denied", resp["reason"])

	hs.send(samID, map[string]any{"action": "PauseQueue", "username": "max"})
	resp = expect(t, sam, isResponse("PauseQueue"))
	require.Equal(t, "unresolved_target", resp["reason"], "managers are not visible to supervisors")

	hs.send(samID, map[string]any{"action": "PauseQueue", "username": "nobody"})
	resp = expect(t, sam, isResponse("PauseQueue"))
	require.Equal(t, "unresolved_target", resp["reason"])

	hs.send(samID, map[string]any{"action": "PauseQueue", "username": "alice", "queue": "support", "reason": "coaching"})
	a := hs.nextAction()
	require.Equal(t, "QueuePause", a.Name)
	require.Equal(t, map[string]string{
		"Interface": "SIP/101",
		"Queue":     "support",
		"Paused":    "true",
		"Reason":    "coaching",
	}, a.Fields)
}

func TestQueueActions(t *testing.T) {
	tests := []struct {
		name   string
		msg    map[string]any
		action string
		fields map[string]string
	}{
		{
			name:   "join",
			msg:    map[string]any{"action": "JoinQueue", "queue": "support"},
			action: "QueueAdd",
			fields: map[string]string{"Queue": "support", "Interface": "SIP/101", "MemberName": "Alice Agent", "Paused": "false"},
		},
		{
			name:   "leave",
			msg:    map[string]any{"action": "LeaveQueue", "queue": "support"},
			action: "QueueRemove",
			fields: map[string]string{"Queue": "support", "Interface": "SIP/101"},
		},
		{
			name:   "pause all queues",
			msg:    map[string]any{"action": "PauseQueue", "reason": "lunch"},
			action: "QueuePause",
			fields: map[string]string{"Interface": "SIP/101", "Paused": "true", "Reason": "lunch"},
		},
		{
			name:   "pause with explicit false",
			msg:    map[string]any{"action": "PauseQueue", "queue": "support", "paused": false, "reason": "ignored"},
			action: "QueuePause",
			fields: map[string]string{"Interface": "SIP/101", "Queue": "support", "Paused": "false"},
		},
		{
			name:   "unpause",
			msg:    map[string]any{"action": "UnpauseQueue", "queue": "support"},
			action: "QueuePause",
			fields: map[string]string{"Interface": "SIP/101", "Queue": "support", "Paused": "false"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hs, _, id := agentWithPeer(t)
			hs.send(id, tc.msg)
			a := hs.nextAction()
			require.Equal(t, tc.action, a.Name)
			require.Equal(t, tc.fields, a.Fields)
		})
	}
}

func TestJoinQueueRequiresQueue(t *testing.T) {
	hs, c, id := agentWithPeer(t)

	hs.send(id, map[string]any{"action": "JoinQueue"})
	resp := expect(t, c, isResponse("JoinQueue"))
	require.Equal(t, "missing_field", resp["reason"])
}

func TestSpyAndWhisper(t *testing.T) {
	hs := newHarness(t)
	hs.pbxUp()
	hs.registerPeer("101", "10.0.0.1")
	hs.registerPeer("102", "10.0.0.2")
	alice, aliceID := hs.login("10.0.0.1", "alice")
	hs.login("10.0.0.3", "max")
	sam, samID := hs.login("10.0.0.2", "sam")

	hs.send(aliceID, map[string]any{"action": "Spy", "username": "sam"})
	resp := expect(t, alice, isResponse("Spy"))
	require.Equal(t, false, resp["success"])
	require.Equal(t, "permission_denied", resp["reason"])

	hs.send(samID, map[string]any{"action": "Spy"})
	resp = expect(t, sam, isResponse("Spy"))
	require.Equal(t, "missing_field", resp["reason"])

	hs.send(samID, map[string]any{"action": "Spy", "username": "max"})
	resp = expect(t, sam, isResponse("Spy"))
	require.Equal(t, "unresolved_target", resp["reason"])

	hs.send(samID, map[string]any{"action": "Spy", "username": "alice"})
	a := hs.nextAction()
	require.Equal(t, "Originate", a.Name)
	require.Equal(t, "SIP/102", a.Fields["Channel"])
	require.Equal(t, "ChanSpy", a.Fields["Application"])
	require.Equal(t, "SIP/101,q", a.Fields["Data"])

	hs.hub.PBXResponse(ami.Response{Status: "Success", ActionID: a.ID})
	resp = expect(t, sam, isResponse("Spy"))
	require.Equal(t, true, resp["success"])

	hs.send(samID, map[string]any{"action": "Whisper", "username": "alice"})
	a = hs.nextAction()
	require.Equal(t, "SIP/101,qw", a.Fields["Data"])
}

func TestLogout(t *testing.T) {
	hs := newHarness(t)
	sam, _ := hs.login("10.0.0.2", "sam")
	c, id := hs.login("10.0.0.1", "alice")
	require.Eventually(t, func() bool {
		sessions, _, _ := hs.store.snapshot()
		return len(sessions) == 2
	}, waitFor, 10*time.Millisecond)

	hs.send(id, map[string]any{"action": "Logout"})
	resp := expect(t, c, isResponse("Logout"))
	require.Equal(t, true, resp["success"])
	require.Eventually(t, c.isClosed, waitFor, 10*time.Millisecond)

	expect(t, sam, isEvent("UserDisconnected"))
	require.Eventually(t, func() bool {
		sessions, _, _ := hs.store.snapshot()
		for _, s := range sessions {
			if s.Username == "alice" {
				return s.Finish != nil
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestUserListVisibility(t *testing.T) {
	hs := newHarness(t)
	alice, aliceID := hs.login("10.0.0.1", "alice")
	sam, samID := hs.login("10.0.0.2", "sam")
	max, maxID := hs.login("10.0.0.3", "max")

	names := func(resp map[string]any) []string {
		var out []string
		for _, u := range resp["users"].([]any) {
			out = append(out, u.(map[string]any)["username"].(string))
		}
		return out
	}

	tests := []struct {
		name string
		conn *fakeConn
		id   string
		want []string
	}{
		{name: "agent", conn: alice, id: aliceID, want: []string{"alice"}},
		{name: "supervisor", conn: sam, id: samID, want: []string{"alice", "sam"}},
		{name: "manager", conn: max, id: maxID, want: []string{"alice", "max", "sam"}},
	}

	for _, tc := range tests {
		hs.send(tc.id, map[string]any{"request": "UserList"})
		resp := expect(t, tc.conn, isResponse("UserList"))
		require.Equal(t, true, resp["success"], tc.name)
		require.Equal(t, tc.want, names(resp), tc.name)
	}
}

func TestUserInfo(t *testing.T) {
	hs := newHarness(t)
	alice, aliceID := hs.login("10.0.0.1", "alice")
	sam, samID := hs.login("10.0.0.2", "sam")

	hs.send(aliceID, map[string]any{"request": "UserInfo"})
	resp := expect(t, alice, isResponse("UserInfo"))
	require.Equal(t, "alice", resp["username"])
	require.Equal(t, "None", resp["queue_state"])
	require.Equal(t, "Idle", resp["phone_state"])

	hs.send(aliceID, map[string]any{"request": "UserInfo", "username": "sam"})
	resp = expect(t, alice, isResponse("UserInfo"))
	require.Equal(t, false, resp["success"])
	require.Equal(t, "unresolved_target", resp["reason"])

	hs.send(samID, map[string]any{"request": "UserInfo", "username": "alice"})
	resp = expect(t, sam, isResponse("UserInfo"))
	require.Equal(t, true, resp["success"])
	require.Equal(t, "Alice Agent", resp["fullname"])
}

func TestPeerList(t *testing.T) {
	hs := newHarness(t)
	hs.registerPeer("101", "10.0.0.1")
	hs.registerPeer("102", "-none-")
	hs.event("QueueMember", map[string]string{"Queue": "support", "Location": "SIP/101", "Paused": "0"})
	alice, aliceID := hs.login("10.0.0.1", "alice")
	sam, samID := hs.login("10.0.0.2", "sam")

	hs.send(aliceID, map[string]any{"request": "PeerList"})
	resp := expect(t, alice, isResponse("PeerList"))
	require.Equal(t, "permission_denied", resp["reason"])

	hs.send(samID, map[string]any{"request": "PeerList"})
	resp = expect(t, sam, isResponse("PeerList"))
	peers := resp["peers"].([]any)
	require.Len(t, peers, 2)
	first := peers[0].(map[string]any)
	require.Equal(t, "SIP/101", first["peer"])
	require.Equal(t, "10.0.0.1", first["address"])
	require.Equal(t, "alice", first["username"])
	require.Equal(t, []any{"support"}, first["queues"])
}
