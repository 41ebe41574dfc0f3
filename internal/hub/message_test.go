package hub

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callhub/internal/models"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    messageKind
		op      string
		fields  map[string]any
		wantErr bool
	}{
		{
			name:    "action",
			payload: `{"action":"Dial","number":"200"}`,
			kind:    kindAction,
			op:      "Dial",
			fields:  map[string]any{"number": "200"},
		},
		{
			name:    "request with type",
			payload: `{"type":"Request","request":"UserList"}`,
			kind:    kindRequest,
			op:      "UserList",
			fields:  map[string]any{},
		},
		{
			name:    "action wins over request",
			payload: `{"action":"Logout","request":"UserList"}`,
			kind:    kindAction,
			op:      "Logout",
			fields:  map[string]any{},
		},
		{name: "empty object", payload: `{}`, wantErr: true},
		{name: "non-string action", payload: `{"action":5}`, wantErr: true},
		{name: "garbage", payload: `<xml/>`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseInbound([]byte(tc.payload))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, msg.kind)
			assert.Equal(t, tc.op, msg.name)
			assert.Equal(t, tc.fields, msg.fields)
		})
	}
}

func TestFrame(t *testing.T) {
	got, err := actionResponse(models.ActionDial, false, failure{Reason: "missing_field"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Response","response":"Dial","success":false,"reason":"missing_field"}`, string(got))

	got, err = actionResponse(models.ActionLogout, true, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Response","response":"Logout","success":true}`, string(got))

	got, err = encodeEvent(peerChanged{Peer: "SIP/101"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Event","event":"PeerChanged","peer":"SIP/101"}`, string(got))

	got, err = encodeEvent(userConnected{UserInfo: UserInfo{Username: "alice", Level: "Agent", Groups: []string{}, Queues: []string{}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Event","event":"UserConnected","username":"alice","fullname":"","level":"Agent",
		"groups":[],"peer":"","queues":[],"phone_state":"","queue_state":"","transport":""}`, string(got))

	_, err = frame(envelope{Type: "Event"}, []string{"x"})
	require.ErrorIs(t, err, errNotObject)
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrAuthFailure, "auth_failed"},
		{fmt.Errorf("%w: number", ErrMissingField), "missing_field"},
		{ErrPBXUnavailable, "pbx_unavailable"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, reasonOf(tc.err), tc.err.Error())
	}
}

func TestAudience(t *testing.T) {
	tests := []struct {
		sender models.Level
		viewer models.Level
		sees   bool
	}{
		{models.LevelAgent, models.LevelAgent, false},
		{models.LevelAgent, models.LevelSupervisor, true},
		{models.LevelAgent, models.LevelManager, true},
		{models.LevelSupervisor, models.LevelAgent, false},
		{models.LevelSupervisor, models.LevelSupervisor, true},
		{models.LevelSupervisor, models.LevelManager, true},
		{models.LevelManager, models.LevelSupervisor, false},
		{models.LevelManager, models.LevelManager, true},
	}
	for _, tc := range tests {
		got := audienceOf(tc.sender).includes(tc.viewer)
		assert.Equal(t, tc.sees, got, "%s -> %s", tc.sender, tc.viewer)
	}
}
