package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame is one message on the gateway connection.
type Frame struct {
	Op string          `json:"op"`
	S  uint64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Frame ops.
const (
	OpHello          = "hello"
	OpIdentify       = "identify"
	OpResume         = "resume"
	OpHeartbeat      = "heartbeat"
	OpHeartbeatAck   = "heartbeat_ack"
	OpDispatch       = "dispatch"
	OpReconnect      = "reconnect"
	OpInvalidSession = "invalid_session"
	OpSyncCommands   = "sync_commands"
	OpRespond        = "respond"
	OpPresence       = "presence_update"
)

// Dispatch event types.
const (
	EventReady       = "READY"
	EventResumed     = "RESUMED"
	EventInteraction = "INTERACTION_CREATE"
	EventGuildCreate = "GUILD_CREATE"
	EventGuildDelete = "GUILD_DELETE"
)

// Hello opens every connection.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// Identify starts a new session.
type Identify struct {
	Token string `json:"token"`
}

// Resume continues a session after a reconnect.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

// User is the bot account.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Guild is one community the bot is a member of.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	SessionID string  `json:"session_id"`
	User      User    `json:"user"`
	Guilds    []Guild `json:"guilds"`
}

// CommandSpec is the wire form of one published command.
type CommandSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Response answers an interaction.
type Response struct {
	InteractionID string `json:"interaction_id"`
	Content       string `json:"content"`
}

// Presence is the status shown for the bot account.
type Presence struct {
	Status   string `json:"status"` // online, idle, dnd or invisible
	Activity string `json:"activity,omitempty"`
}

func newFrame(op string, v any) (Frame, error) {
	f := Frame{Op: op}
	if v == nil {
		return f, nil
	}
	d, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("gateway: encode %s: %w", op, err)
	}
	f.D = d
	return f, nil
}

func (f Frame) decode(v any) error {
	if err := json.Unmarshal(f.D, v); err != nil {
		return fmt.Errorf("gateway: decode %s %s: %w", f.Op, f.T, err)
	}
	return nil
}
