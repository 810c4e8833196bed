package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command represents a command sent to the control engine
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response represents a response from the control engine
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ParseCommand parses a text command into a Command struct
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty command")
	}
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(parts[0]),
		Args: make(map[string]interface{}),
	}

	if len(parts) < 2 {
		return cmd, nil
	}
	args := parts[1]

	switch cmd.Type {
	case CmdParams:
		// PARAMS:set:routing=2;screen_state=off or PARAMS:get:routing
		action, rest, _ := strings.Cut(args, ":")
		action = strings.ToLower(action)
		if action != "set" && action != "get" {
			return nil, fmt.Errorf("PARAMS action must be set or get, got %q", action)
		}
		cmd.Args["action"] = action
		cmd.Args["params"] = rest

	case CmdMute:
		// MUTE:on or MUTE:off
		switch strings.ToLower(args) {
		case "on", "true", "1":
			cmd.Args["mute"] = true
		case "off", "false", "0":
			cmd.Args["mute"] = false
		default:
			return nil, fmt.Errorf("MUTE takes on or off, got %q", args)
		}

	case CmdTone:
		// TONE:1000:500 plays 1 kHz for 500 ms
		hz, ms, ok := strings.Cut(args, ":")
		freq, err := strconv.ParseFloat(hz, 64)
		if err != nil || freq <= 0 {
			return nil, fmt.Errorf("invalid tone frequency %q", hz)
		}
		cmd.Args["frequency"] = freq
		cmd.Args["duration_ms"] = 250
		if ok {
			d, err := strconv.Atoi(ms)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid tone duration %q", ms)
			}
			cmd.Args["duration_ms"] = d
		}

	case CmdCapture:
		// CAPTURE:200
		d, err := strconv.Atoi(args)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid capture duration %q", args)
		}
		cmd.Args["duration_ms"] = d

	case CmdEvents:
		// EVENTS:20
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid event limit %q", args)
		}
		cmd.Args["limit"] = n
	}

	return cmd, nil
}

// String converts a Response to a JSON line
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// ParseResponse decodes a JSON response line
func ParseResponse(line string) (*Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// Protocol commands
const (
	CmdStatus  = "STATUS"
	CmdParams  = "PARAMS"
	CmdMute    = "MUTE"
	CmdTone    = "TONE"
	CmdCapture = "CAPTURE"
	CmdEvents  = "EVENTS"
	CmdPing    = "PING"
	CmdQuit    = "QUIT"
)
