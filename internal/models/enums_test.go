package models

import "testing"

func TestChannelStateFromCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code  int
		state ChannelState
		phone PhoneState
		name  string
	}{
		{0, ChannelDown, PhoneIdle, "Down"},
		{4, ChannelRing, PhoneDialing, "Ring"},
		{5, ChannelRinging, PhoneRinging, "Ringing"},
		{6, ChannelUp, PhoneOnCall, "Up"},
		{7, ChannelBusy, PhoneBusy, "Busy"},
		{8, ChannelDialingOffHook, PhoneDialing, "Dialing Offhook"},
		{9, ChannelPreRing, PhoneRinging, "Pre-ring"},
		{10, ChannelUnknown, PhoneUnknown, "Unknown"},
		{42, ChannelUnknown, PhoneUnknown, "Unknown"},
		{-1, ChannelUnknown, PhoneUnknown, "Unknown"},
	}

	for _, tc := range tests {
		got := ChannelStateFromCode(tc.code)
		if got != tc.state {
			t.Fatalf("code %d: expected %v, got %v", tc.code, tc.state, got)
		}
		if got.String() != tc.name {
			t.Fatalf("code %d: expected name %q, got %q", tc.code, tc.name, got.String())
		}
		if p := PhoneStateOf(got); p != tc.phone {
			t.Fatalf("code %d: expected phone state %v, got %v", tc.code, tc.phone, p)
		}
	}
}

func TestLookupTables(t *testing.T) {
	t.Parallel()

	if a, ok := ParseAction("PauseQueue"); !ok || a != ActionPauseQueue {
		t.Fatalf("expected PauseQueue, got %v %v", a, ok)
	}
	if _, ok := ParseAction("pausequeue"); ok {
		t.Fatal("action lookup must be case sensitive")
	}
	if r, ok := ParseRequest("UserList"); !ok || r.String() != "UserList" {
		t.Fatalf("unexpected request lookup %v %v", r, ok)
	}
	if l, ok := ParseLevel("Manager"); !ok || l != LevelManager {
		t.Fatalf("unexpected level lookup %v %v", l, ok)
	}
	if Level(7).String() != "" {
		t.Fatal("out of range values must have no name")
	}
	if !(LevelAgent < LevelSupervisor && LevelSupervisor < LevelManager) {
		t.Fatal("levels must be ordered")
	}
	if QueuePaused.String() != "Paused" || PhoneOnCall.String() != "OnCall" {
		t.Fatal("unexpected state names")
	}
}
