package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dougsko/pcmhal/pkg/engine"
	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/protocol"
)

// SocketClient talks to the control engine over its Unix socket
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// SetTimeout changes the per-command deadline
func (c *SocketClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	return protocol.ParseResponse(scanner.Text())
}

// call sends cmd and fails on an error response
func (c *SocketClient) call(cmd string) (*protocol.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s error: %s", cmd, resp.Error)
	}
	return resp, nil
}

// decode converts a response field into out
func decode(resp *protocol.Response, key string, out interface{}) error {
	data, ok := resp.Data[key]
	if !ok {
		return fmt.Errorf("%s not found in response", key)
	}
	raw, _ := json.Marshal(data)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// GetStatus returns the device status snapshot
func (c *SocketClient) GetStatus() (*hal.Status, error) {
	resp, err := c.call(protocol.CmdStatus)
	if err != nil {
		return nil, err
	}
	var status hal.Status
	if err := decode(resp, "device", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetParameters applies "k=v;..." parameters and returns the resulting values
func (c *SocketClient) SetParameters(kv string) (map[string]string, error) {
	return c.params("set", kv)
}

// GetParameters returns the values of the named keys; empty keys returns all
func (c *SocketClient) GetParameters(keys string) (map[string]string, error) {
	return c.params("get", keys)
}

func (c *SocketClient) params(action, arg string) (map[string]string, error) {
	resp, err := c.call(fmt.Sprintf("%s:%s:%s", protocol.CmdParams, action, arg))
	if err != nil {
		return nil, err
	}
	var params map[string]string
	if err := decode(resp, "parameters", &params); err != nil {
		return nil, err
	}
	return params, nil
}

// SetMicMute mutes or unmutes capture
func (c *SocketClient) SetMicMute(mute bool) error {
	arg := "off"
	if mute {
		arg = "on"
	}
	_, err := c.call(fmt.Sprintf("%s:%s", protocol.CmdMute, arg))
	return err
}

// PlayTone plays a sine through the output stream
func (c *SocketClient) PlayTone(hz float64, d time.Duration) (*engine.ToneResult, error) {
	resp, err := c.call(fmt.Sprintf("%s:%g:%d", protocol.CmdTone, hz, d.Milliseconds()))
	if err != nil {
		return nil, err
	}
	var result engine.ToneResult
	if err := decode(resp, "tone", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Capture records for d and returns the measured levels
func (c *SocketClient) Capture(d time.Duration) (*engine.CaptureResult, error) {
	resp, err := c.call(fmt.Sprintf("%s:%d", protocol.CmdCapture, d.Milliseconds()))
	if err != nil {
		return nil, err
	}
	var result engine.CaptureResult
	if err := decode(resp, "capture", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEvents returns the newest limit stream events
func (c *SocketClient) GetEvents(limit int) ([]hal.Event, error) {
	resp, err := c.call(fmt.Sprintf("%s:%d", protocol.CmdEvents, limit))
	if err != nil {
		return nil, err
	}
	var events []hal.Event
	if err := decode(resp, "events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.call(protocol.CmdPing)
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
