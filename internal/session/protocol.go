package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"mdgateway/internal/gatewayerr"
)

// CommandType enumerates the client->server WebSocket command set
// (spec.md §6.1 "QA-style" wire protocol).
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdSubscribeQuote
	CmdUnsubscribe
	CmdSubscriptions
)

// Command is a parsed client request, instrument list already normalized
// regardless of which wire field it arrived in.
type Command struct {
	Type        CommandType
	Instruments []string
}

// wireCommand mirrors the raw JSON shape. The QA ecosystem is asymmetric:
// "subscribe_quote" arrives keyed by "aid" with ins_list as a
// comma-separated string (an absolute set, empty means unsubscribe all),
// while "unsubscribe" and "subscriptions" arrive keyed by the ordinary
// "type" field, the former with a nested payload.instruments array.
type wireCommand struct {
	Aid     string `json:"aid"`
	Type    string `json:"type"`
	InsList string `json:"ins_list"`
	Payload struct {
		Instruments []string `json:"instruments"`
	} `json:"payload"`
}

// ParseCommand decodes one client frame into a Command. Unknown aid/type
// values are rejected so the caller can report a protocol error rather
// than silently ignoring malformed input (spec.md §7).
func ParseCommand(data []byte) (Command, error) {
	var raw wireCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", gatewayerr.ErrMalformedMessage, err)
	}

	if raw.Aid == "subscribe_quote" {
		return Command{Type: CmdSubscribeQuote, Instruments: splitInsList(raw.InsList)}, nil
	}

	switch raw.Type {
	case "unsubscribe":
		return Command{Type: CmdUnsubscribe, Instruments: raw.Payload.Instruments}, nil
	case "subscriptions":
		return Command{Type: CmdSubscriptions}, nil
	default:
		if raw.Aid != "" {
			return Command{}, fmt.Errorf("%w: unknown command aid %q", gatewayerr.ErrMalformedMessage, raw.Aid)
		}
		return Command{}, fmt.Errorf("%w: unknown command type %q", gatewayerr.ErrMalformedMessage, raw.Type)
	}
}

// splitInsList parses the QA-style comma-separated ins_list string into a
// normalized instrument slice; an empty string yields no instruments,
// which subscribe_quote's absolute-set semantics treat as unsubscribe-all.
func splitInsList(insList string) []string {
	if strings.TrimSpace(insList) == "" {
		return nil
	}
	parts := strings.Split(insList, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
