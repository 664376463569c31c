// Package input parses the command language typed into the client.
package input

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknown is returned for a line that does not start with any known
// command keyword.
var ErrUnknown = errors.New(`unrecognized command. type "HELP" for help`)

type Kind int

const (
	KindHelp Kind = iota
	KindQuit
	KindUnchat
	KindLogin
	KindRegister
	KindRegisterChat
	KindChatWith
	KindAddToChat
	KindHistory
	KindHistoryChat
	KindDirectMsg
	KindDirectMsgChat
	KindStatus
	KindStatusChat
)

// Command is one parsed line. Only the fields relevant to the Kind are set.
type Command struct {
	Kind     Kind
	User     string
	Password string
	Chat     string
	Message  string
	Count    uint64
}

func usage(text string) error {
	return fmt.Errorf("usage: %s", text)
}

// Parse turns one input line into a command. Keywords are matched
// case-insensitively; message text keeps its internal spacing.
func Parse(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{}, ErrUnknown
	}

	fields := strings.Fields(trimmed)
	keyword := strings.ToUpper(fields[0])
	args := fields[1:]

	switch keyword {
	case "HELP":
		return Command{Kind: KindHelp}, nil

	case "QUIT":
		return Command{Kind: KindQuit}, nil

	case "UNCHAT":
		return Command{Kind: KindUnchat}, nil

	case "LOGIN", "REGISTER":
		if len(args) != 2 {
			return Command{}, usage(keyword + " <user> <password>")
		}
		kind := KindLogin
		if keyword == "REGISTER" {
			kind = KindRegister
		}
		return Command{Kind: kind, User: args[0], Password: args[1]}, nil

	case "REGISTER_G":
		if len(args) != 1 {
			return Command{}, usage("REGISTER_G <chat>")
		}
		return Command{Kind: KindRegisterChat, Chat: args[0]}, nil

	case "CHAT_WITH":
		if len(args) != 1 {
			return Command{}, usage("CHAT_WITH <user>")
		}
		return Command{Kind: KindChatWith, User: args[0]}, nil

	case "ADD_TO_G":
		if len(args) != 2 {
			return Command{}, usage("ADD_TO_G <user> <chat>")
		}
		return Command{Kind: KindAddToChat, User: args[0], Chat: args[1]}, nil

	case "HISTORY", "HISTORY_G":
		if len(args) < 1 || len(args) > 2 {
			return Command{}, usage(keyword + " <name> [count]")
		}
		var count uint64
		if len(args) == 2 {
			parsed, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return Command{}, usage(keyword + " <name> [count]")
			}
			count = parsed
		}
		if keyword == "HISTORY" {
			return Command{Kind: KindHistory, User: args[0], Count: count}, nil
		}
		return Command{Kind: KindHistoryChat, Chat: args[0], Count: count}, nil

	case "DIRECT_MSG", "DIRECT_MSG_G":
		parts := strings.SplitN(trimmed, " ", 3)
		if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
			return Command{}, usage(keyword + " <name> <message>")
		}
		if keyword == "DIRECT_MSG" {
			return Command{Kind: KindDirectMsg, User: parts[1], Message: parts[2]}, nil
		}
		return Command{Kind: KindDirectMsgChat, Chat: parts[1], Message: parts[2]}, nil

	case "STATUS", "STATUS_G":
		if len(args) != 1 {
			return Command{}, usage(keyword + " <name>")
		}
		if keyword == "STATUS" {
			return Command{Kind: KindStatus, User: args[0]}, nil
		}
		return Command{Kind: KindStatusChat, Chat: args[0]}, nil
	}

	return Command{}, ErrUnknown
}

// HelpText lists every command for the HELP reply.
func HelpText() string {
	return strings.Join([]string{
		"HELP                          this text",
		"QUIT                          exit",
		"REGISTER <user> <password>    create an account",
		"LOGIN <user> <password>       log in",
		"REGISTER_G <chat>             create a group chat",
		"ADD_TO_G <user> <chat>        add a user to a group chat",
		"CHAT_WITH <user>              enter chat mode, plain lines become messages",
		"UNCHAT                        leave chat mode",
		"DIRECT_MSG <user> <message>   send one direct message",
		"DIRECT_MSG_G <chat> <message> send one message to a group chat",
		"HISTORY <user> [count]        show conversation history",
		"STATUS <user>                 show whether a user is online",
	}, "\n")
}
