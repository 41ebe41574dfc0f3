package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"callhub/internal/models"
)

type messageKind int

const (
	kindAction messageKind = iota
	kindRequest
)

// inbound is a parsed client message. fields holds every key except the
// operation selector.
type inbound struct {
	kind   messageKind
	name   string
	fields map[string]any
}

func parseInbound(payload []byte) (inbound, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	action, _ := fields["action"].(string)
	request, _ := fields["request"].(string)
	delete(fields, "action")
	delete(fields, "request")
	delete(fields, "type")

	switch {
	case action != "":
		return inbound{kind: kindAction, name: action, fields: fields}, nil
	case request != "":
		return inbound{kind: kindRequest, name: request, fields: fields}, nil
	}
	return inbound{}, fmt.Errorf("%w: no action or request", ErrMalformed)
}

// decodeFields fills out from the message fields. Numbers and booleans sent
// as strings are accepted.
func decodeFields(fields map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

type loginPayload struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Peer         string `mapstructure:"peer"`
}

type dialPayload struct {
	Number string `mapstructure:"number"`
}

type targetPayload struct {
	Username string `mapstructure:"username"`
}

type queuePayload struct {
	Username string `mapstructure:"username"`
	Queue    string `mapstructure:"queue"`
	Reason   string `mapstructure:"reason"`
	Paused   *bool  `mapstructure:"paused"`
}

// envelope is the fixed head of every outbound message.
type envelope struct {
	Type     string `json:"type"`
	Response string `json:"response,omitempty"`
	Request  string `json:"request,omitempty"`
	Event    string `json:"event,omitempty"`
	Success  *bool  `json:"success,omitempty"`
}

var errNotObject = errors.New("payload does not encode as a JSON object")

// frame merges the envelope with the keys of payload into one JSON object.
func frame(env envelope, payload any) ([]byte, error) {
	head, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return head, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, errNotObject
	}
	if len(body) == 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func actionResponse(a models.Action, success bool, payload any) ([]byte, error) {
	return frame(envelope{Type: "Response", Response: a.String(), Success: &success}, payload)
}

func requestResponse(r models.Request, success bool, payload any) ([]byte, error) {
	return frame(envelope{Type: "Response", Request: r.String(), Success: &success}, payload)
}

func unknownResponse(kind messageKind, name string) ([]byte, error) {
	env := envelope{Type: "Response", Success: new(bool)}
	if kind == kindAction {
		env.Response = name
	} else {
		env.Request = name
	}
	return frame(env, failure{Reason: reasonOf(ErrUnknownOperation)})
}

// event is a notification payload. Its JSON keys are merged into the frame.
type event interface {
	name() models.Event
}

func encodeEvent(ev event) ([]byte, error) {
	return frame(envelope{Type: "Event", Event: ev.name().String()}, ev)
}

type failure struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func failureOf(err error) failure {
	return failure{Reason: reasonOf(err), Message: err.Error()}
}

type pbxResult struct {
	Message string `json:"message,omitempty"`
}

// UserInfo is the public view of an authenticated user.
type UserInfo struct {
	Username    string   `json:"username"`
	Fullname    string   `json:"fullname"`
	Level       string   `json:"level"`
	Groups      []string `json:"groups"`
	Peer        string   `json:"peer"`
	Queues      []string `json:"queues"`
	PhoneState  string   `json:"phone_state"`
	QueueState  string   `json:"queue_state"`
	PauseReason string   `json:"pause_reason,omitempty"`
	Transport   string   `json:"transport"`
}

type PeerInfo struct {
	Peer         string   `json:"peer"`
	Address      string   `json:"address"`
	Channel      string   `json:"channel,omitempty"`
	ChannelState string   `json:"channel_state,omitempty"`
	Username     string   `json:"username,omitempty"`
	Queues       []string `json:"queues"`
}

type userList struct {
	Users []UserInfo `json:"users"`
}

type peerList struct {
	Peers []PeerInfo `json:"peers"`
}

type peerChanged struct {
	Peer string `json:"peer"`
}

func (peerChanged) name() models.Event { return models.EventPeerChanged }

type phoneStateChanged struct {
	Username   string `json:"username"`
	PhoneState string `json:"phone_state"`
	Duration   *int64 `json:"duration,omitempty"`
}

func (phoneStateChanged) name() models.Event { return models.EventPhoneStateChanged }

type queueStateChanged struct {
	Username    string `json:"username"`
	Queue       string `json:"queue"`
	QueueState  string `json:"queue_state"`
	PauseReason string `json:"pause_reason,omitempty"`
}

func (queueStateChanged) name() models.Event { return models.EventQueueStateChanged }

type queueJoined struct {
	Username string `json:"username"`
	Queue    string `json:"queue"`
}

func (queueJoined) name() models.Event { return models.EventQueueJoined }

type queueLeft struct {
	Username string `json:"username"`
	Queue    string `json:"queue"`
}

func (queueLeft) name() models.Event { return models.EventQueueLeft }

type userConnected struct {
	UserInfo
}

func (userConnected) name() models.Event { return models.EventUserConnected }

type userDisconnected struct {
	Username string `json:"username"`
}

func (userDisconnected) name() models.Event { return models.EventUserDisconnected }
