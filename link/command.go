package link

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// CommandKind identifies a remote command.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandReset
	CommandStatus
)

func (k CommandKind) String() string {
	switch k {
	case CommandReset:
		return "reset"
	case CommandStatus:
		return "status"
	}
	return "unknown"
}

// Command is one decoded message from the command topic. Name holds the
// received command word, also for unknown commands.
type Command struct {
	Kind       CommandKind
	Name       string
	Topic      string
	ReceivedAt time.Time
}

// commandKinds maps command words to their kinds
var commandKinds = map[string]CommandKind{
	"reset":  CommandReset,
	"status": CommandStatus,
}

type commandEnvelope struct {
	Command string `json:"command"`
}

// ParseCommand decodes a command payload. It accepts {"command":"reset"}, a
// JSON string, or bare text.
func ParseCommand(payload []byte) Command {
	trimmed := bytes.TrimSpace(payload)
	word := string(trimmed)

	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		var env commandEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil {
			word = env.Command
		}
	case bytes.HasPrefix(trimmed, []byte(`"`)):
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			word = s
		}
	}

	word = strings.ToLower(strings.TrimSpace(word))
	return Command{Kind: commandKinds[word], Name: word}
}
