package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/edirelay/internal/redundancy"
)

// TextResponse is the envelope answered to plain text commands:
//
//	{"status": "ok", "cmd": "get settings", "response": {...}}
//	{"status": "error", "cmd": "set delay x", "message": "..."}
type TextResponse struct {
	Status   string      `json:"status"`
	Cmd      string      `json:"cmd"`
	Response interface{} `json:"response,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// ParseText translates a plain text remote control command into the
// equivalent JSON-RPC command.
func ParseText(line string) (Command, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)

	switch {
	case line == "get settings":
		return Command{Method: MethodGetSettings}, nil
	case line == "list inputs":
		return Command{Method: MethodListInputs}, nil
	case len(fields) == 4 && fields[0] == "set" && fields[1] == "input":
		var enabled bool
		switch fields[2] {
		case "enable":
			enabled = true
		case "disable":
		default:
			return Command{}, fmt.Errorf("expected enable or disable, got %q", fields[2])
		}
		return newTextCommand(MethodSetInput, map[string]interface{}{"source": fields[3], "enabled": enabled})
	case len(fields) == 3 && fields[0] == "set":
		method, ok := textSetters[fields[1]]
		if !ok {
			break
		}
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return Command{}, fmt.Errorf("invalid value %q", fields[2])
		}
		if method == MethodSetDropLate {
			if v != 0 && v != 1 {
				return Command{}, fmt.Errorf("value must be 0 or 1")
			}
			return newTextCommand(method, map[string]interface{}{"value": v == 1})
		}
		return newTextCommand(method, map[string]interface{}{"value": v})
	}
	return Command{}, fmt.Errorf("unknown command %q", line)
}

var textSetters = map[string]string{
	"delay":      MethodSetDelay,
	"drop-delay": MethodSetDropDelay,
	"drop-late":  MethodSetDropLate,
	"backoff":    MethodSetBackoff,
}

func newTextCommand(method string, params map[string]interface{}) (Command, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Command{}, err
	}
	return Command{Method: method, Params: raw}, nil
}

// HandleText runs a plain text command and builds its envelope.
func (h *CommandHandler) HandleText(ctx context.Context, line string) TextResponse {
	line = strings.TrimSpace(line)
	cmd, err := ParseText(line)
	if err != nil {
		return TextResponse{Status: "error", Cmd: line, Message: err.Error()}
	}
	resp := h.Handle(ctx, cmd)
	if resp.Error != nil {
		return TextResponse{Status: "error", Cmd: line, Message: resp.Error.Message}
	}
	return TextResponse{Status: "ok", Cmd: line, Response: textResult(resp.Result)}
}

// textResult keeps the key names and types of the text protocol, which
// predate the JSON-RPC results.
func textResult(result interface{}) interface{} {
	switch r := result.(type) {
	case SettingsResult:
		return map[string]interface{}{
			"delay":      r.DelayMs,
			"drop-late":  r.DropLate,
			"drop-delay": r.DropDelayMs,
			"backoff":    r.BackoffMs,
		}
	case []redundancy.SourceStatus:
		inputs := make([]map[string]interface{}, 0, len(r))
		for _, s := range r {
			inputs = append(inputs, map[string]interface{}{
				"hostname": s.Hostname,
				"port":     strconv.Itoa(s.Port),
				"enabled":  s.Enabled,
			})
		}
		return inputs
	default:
		return nil
	}
}
