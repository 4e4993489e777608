// Package protocol implements the photoremote wire protocol: the plain-text
// commands a controller sends, the replies and photo transfers the device
// writes back, and a receiver-side decoder for both outbound wire formats.
package protocol

import (
	"bytes"
	"strings"
)

// Inbound command texts.
const (
	CmdTakePhoto  = "TAKE_PHOTO"
	CmdPing       = "PING"
	CmdDisconnect = "DISCONNECT"
)

// Outbound control texts. None of them carries a delimiter in the legacy format.
const (
	MsgConnected       = "CONNECTED"
	MsgCommandReceived = "COMMAND_RECEIVED"
	MsgPong            = "PONG"
	MsgErrorPrefix     = "ERROR:"
)

// Legacy transfer line prefixes.
const (
	PhotoTakenPrefix = "PHOTO_TAKEN:"
	PhotoDataPrefix  = "PHOTO_DATA:"
	PhotoEndLine     = "PHOTO_END\n"
)

// CommandKind identifies a parsed inbound command.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandTakePhoto
	CommandPing
	CommandDisconnect
)

// String returns the wire text for known kinds and "UNKNOWN" otherwise.
func (k CommandKind) String() string {
	switch k {
	case CommandTakePhoto:
		return CmdTakePhoto
	case CommandPing:
		return CmdPing
	case CommandDisconnect:
		return CmdDisconnect
	default:
		return "UNKNOWN"
	}
}

// Command is one inbound message. Raw is the trimmed text it was parsed from.
type Command struct {
	Kind CommandKind
	Raw  string
}

// ParseCommand interprets one read chunk. Whatever arrived in the read is
// trimmed of surrounding whitespace and matched exactly and case-sensitively;
// there is no partial matching and no splitting of coalesced commands.
func ParseCommand(chunk []byte) Command {
	raw := string(bytes.TrimSpace(chunk))

	switch raw {
	case CmdTakePhoto:
		return Command{Kind: CommandTakePhoto, Raw: raw}
	case CmdPing:
		return Command{Kind: CommandPing, Raw: raw}
	case CmdDisconnect:
		return Command{Kind: CommandDisconnect, Raw: raw}
	default:
		return Command{Kind: CommandUnknown, Raw: raw}
	}
}

// ErrorMessage returns the control text reporting a failure to the controller.
// Line breaks in reason are flattened so the notice stays on one line.
func ErrorMessage(reason string) string {
	return MsgErrorPrefix + strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
}
