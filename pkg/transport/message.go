package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies an RPC on the control channel.
type MessageType uint8

const (
	// Local/admin requests
	MsgCreateCluster MessageType = iota + 1
	MsgRequestJoin
	MsgRequestLeave

	// Membership
	MsgJoin
	MsgLeave
	MsgPushView
	MsgRequestRecovery

	// Consensus
	MsgHeartbeat
	MsgVote
	MsgNewLeader

	// Replication
	MsgFileChange
	MsgFetchLog
	MsgFetchFile

	// Introspection
	MsgFetchConsensus
	MsgFetchNodeInfo

	// Replies
	MsgAck
	MsgReply
	MsgError
)

var messageTypeNames = map[MessageType]string{
	MsgCreateCluster:   "create_cluster",
	MsgRequestJoin:     "request_join",
	MsgRequestLeave:    "request_leave",
	MsgJoin:            "join",
	MsgLeave:           "leave",
	MsgPushView:        "push_view",
	MsgRequestRecovery: "request_recovery",
	MsgHeartbeat:       "heartbeat",
	MsgVote:            "vote",
	MsgNewLeader:       "new_leader",
	MsgFileChange:      "file_change",
	MsgFetchLog:        "fetch_log",
	MsgFetchFile:       "fetch_file",
	MsgFetchConsensus:  "fetch_consensus",
	MsgFetchNodeInfo:   "fetch_node_info",
	MsgAck:             "ack",
	MsgReply:           "reply",
	MsgError:           "error",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", uint8(t))
}

// Message is the envelope for every control-channel request and reply.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	Token     string          `json:"token,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the given type and data
func NewMessage(msgType MessageType, from string, data any) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		From:      from,
	}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		msg.Data = dataBytes
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
func MustMessage(msgType MessageType, from string, data any) *Message {
	msg, err := NewMessage(msgType, from, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode decodes message data into the provided value
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrBadMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadMessage, m.Type, err)
	}
	return nil
}

// Encode serializes the envelope.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an envelope.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return &m, nil
}

// Ack is the empty success reply.
type Ack struct {
	OK bool `json:"ok"`
}

// ErrorMessage is the payload of MsgError replies.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorReply builds a MsgError reply.
func NewErrorReply(from, code, message string) *Message {
	return MustMessage(MsgError, from, ErrorMessage{Code: code, Message: message})
}
