// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/redundancy"
	"firestige.xyz/edirelay/internal/relay"
)

// Version is reported by daemon_status. Overridden at link time.
var Version = "0.1.0"

// Methods.
const (
	MethodGetSettings    = "get_settings"
	MethodListInputs     = "list_inputs"
	MethodSetInput       = "set_input"
	MethodSetDelay       = "set_delay"
	MethodSetDropDelay   = "set_drop_delay"
	MethodSetDropLate    = "set_drop_late"
	MethodSetBackoff     = "set_backoff"
	MethodInhibit        = "inhibit"
	MethodDaemonStatus   = "daemon_status"
	MethodConfigReload   = "config_reload"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Relay is the part of the relay buffer the control plane adjusts.
type Relay interface {
	Settings() relay.Settings
	Update(fn func(*relay.Settings)) error
	Pending() int
	Counters() relay.Counters
	InhibitUntil(t time.Time)
	InhibitedUntil() (time.Time, bool)
}

// Redundancy is the part of the redundancy manager the control plane adjusts.
type Redundancy interface {
	Mode() redundancy.Mode
	Sources() []redundancy.SourceStatus
	SetEnabled(hostport string, enabled bool) error
	Backoff() time.Duration
	SetBackoff(d time.Duration) error
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	relay          Relay
	redundancy     Redundancy
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
	now            func() time.Time
	log            log.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(r Relay, red Redundancy, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		relay:          r,
		redundancy:     red,
		configReloader: reloader,
		startTime:      time.Now(),
		now:            time.Now,
		log:            log.GetLogger().WithField("component", "command"),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "set_delay", "list_inputs"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	h.log.WithFields(map[string]interface{}{"method": cmd.Method, "id": cmd.ID}).Debug("handling command")

	switch cmd.Method {
	case MethodGetSettings:
		return h.handleGetSettings(cmd)
	case MethodListInputs:
		return Response{ID: cmd.ID, Result: h.redundancy.Sources()}
	case MethodSetInput:
		return h.handleSetInput(cmd)
	case MethodSetDelay:
		return h.handleSetDelay(cmd)
	case MethodSetDropDelay:
		return h.handleSetDropDelay(cmd)
	case MethodSetDropLate:
		return h.handleSetDropLate(cmd)
	case MethodSetBackoff:
		return h.handleSetBackoff(cmd)
	case MethodInhibit:
		return h.handleInhibit(cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodConfigReload:
		return h.handleConfigReload(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// failure maps validation errors to invalid params and the rest to
// internal errors.
func failure(id string, err error) Response {
	if errors.Is(err, core.ErrConfigInvalid) || errors.Is(err, core.ErrSourceNotFound) {
		return errorResponse(id, ErrCodeInvalidParams, err.Error())
	}
	return errorResponse(id, ErrCodeInternalError, err.Error())
}

// decodeParams decodes JSON params into out with weak typing, so "500"
// and 500 are both accepted for an integer field.
func decodeParams(raw json.RawMessage, out interface{}) error {
	var m map[string]interface{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("params must be an object: %w", err)
		}
	}
	return mapstructure.WeakDecode(m, out)
}

// SettingsResult is the result of get_settings.
type SettingsResult struct {
	DelayMs        int64  `json:"delay_ms"`
	DropLate       bool   `json:"drop_late"`
	DropDelayMs    int64  `json:"drop_delay_ms"`
	Anchor         string `json:"anchor"`
	BackoffMs      int64  `json:"backoff_ms"`
	Mode           string `json:"mode"`
	Pending        int    `json:"pending"`
	InhibitedUntil string `json:"inhibited_until,omitempty"`
}

func (h *CommandHandler) settings() SettingsResult {
	s := h.relay.Settings()
	res := SettingsResult{
		DelayMs:     s.Delay.Milliseconds(),
		DropLate:    s.DropLate,
		DropDelayMs: s.DropDelay.Milliseconds(),
		Anchor:      string(s.Anchor),
		BackoffMs:   h.redundancy.Backoff().Milliseconds(),
		Mode:        string(h.redundancy.Mode()),
		Pending:     h.relay.Pending(),
	}
	if until, ok := h.relay.InhibitedUntil(); ok && until.After(h.now()) {
		res.InhibitedUntil = until.Format(time.RFC3339Nano)
	}
	return res
}

func (h *CommandHandler) handleGetSettings(cmd Command) Response {
	return Response{ID: cmd.ID, Result: h.settings()}
}

// SetInputParams represents parameters for set_input.
type SetInputParams struct {
	Source  string `mapstructure:"source" json:"source"`
	Enabled *bool  `mapstructure:"enabled" json:"enabled"`
}

func (h *CommandHandler) handleSetInput(cmd Command) Response {
	var p SetInputParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if p.Source == "" || p.Enabled == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "source and enabled are required")
	}
	if err := h.redundancy.SetEnabled(p.Source, *p.Enabled); err != nil {
		return failure(cmd.ID, err)
	}
	h.log.WithFields(map[string]interface{}{"source": p.Source, "enabled": *p.Enabled}).Info("input updated")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"source": p.Source, "enabled": *p.Enabled}}
}

// ValueParams carries the single value of the set_* commands.
type ValueParams struct {
	Value interface{} `mapstructure:"value" json:"value"`
}

func intValue(cmd Command) (int, error) {
	var p struct {
		Value *int `mapstructure:"value"`
	}
	if err := decodeParams(cmd.Params, &p); err != nil {
		return 0, err
	}
	if p.Value == nil {
		return 0, fmt.Errorf("value is required")
	}
	return *p.Value, nil
}

func (h *CommandHandler) handleSetDelay(cmd Command) Response {
	v, err := intValue(cmd)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.relay.Update(func(s *relay.Settings) { s.Delay = time.Duration(v) * time.Millisecond }); err != nil {
		return failure(cmd.ID, err)
	}
	h.log.WithField("delay_ms", v).Info("delay updated")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"delay_ms": v}}
}

func (h *CommandHandler) handleSetDropDelay(cmd Command) Response {
	v, err := intValue(cmd)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.relay.Update(func(s *relay.Settings) { s.DropDelay = time.Duration(v) * time.Millisecond }); err != nil {
		return failure(cmd.ID, err)
	}
	h.log.WithField("drop_delay_ms", v).Info("drop delay updated")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"drop_delay_ms": v}}
}

func (h *CommandHandler) handleSetDropLate(cmd Command) Response {
	var p struct {
		Value *bool `mapstructure:"value"`
	}
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if p.Value == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "value is required")
	}
	v := *p.Value
	if err := h.relay.Update(func(s *relay.Settings) { s.DropLate = v }); err != nil {
		return failure(cmd.ID, err)
	}
	h.log.WithField("drop_late", v).Info("drop late updated")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"drop_late": v}}
}

func (h *CommandHandler) handleSetBackoff(cmd Command) Response {
	v, err := intValue(cmd)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.redundancy.SetBackoff(time.Duration(v) * time.Millisecond); err != nil {
		return failure(cmd.ID, err)
	}
	h.log.WithField("backoff_ms", v).Info("backoff updated")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"backoff_ms": v}}
}

// InhibitParams represents parameters for inhibit.
type InhibitParams struct {
	DurationMs *int `mapstructure:"duration_ms" json:"duration_ms"`
}

func (h *CommandHandler) handleInhibit(cmd Command) Response {
	var p InhibitParams
	if err := decodeParams(cmd.Params, &p); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if p.DurationMs == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "duration_ms is required")
	}
	d := time.Duration(*p.DurationMs) * time.Millisecond
	if d < 0 || d > relay.MaxDropDelay {
		return errorResponse(cmd.ID, ErrCodeInvalidParams,
			fmt.Sprintf("duration_ms %d out of range [0, %d]", *p.DurationMs, relay.MaxDropDelay.Milliseconds()))
	}
	until := h.now().Add(d)
	h.relay.InhibitUntil(until)
	h.log.WithField("until", until).Info("output inhibited")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"inhibit_until": until.Format(time.RFC3339Nano)}}
}

// StatusResult is the result of daemon_status.
type StatusResult struct {
	Version   string         `json:"version"`
	UptimeSec int64          `json:"uptime_sec"`
	Mode      string         `json:"mode"`
	Inputs    int            `json:"inputs"`
	Enabled   int            `json:"enabled"`
	Connected int            `json:"connected"`
	Active    []string       `json:"active"`
	Pending   int            `json:"pending"`
	Relay     relay.Counters `json:"relay"`
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	res := StatusResult{
		Version:   Version,
		UptimeSec: int64(h.now().Sub(h.startTime) / time.Second),
		Mode:      string(h.redundancy.Mode()),
		Active:    []string{},
		Pending:   h.relay.Pending(),
		Relay:     h.relay.Counters(),
	}
	for _, s := range h.redundancy.Sources() {
		res.Inputs++
		if s.Enabled {
			res.Enabled++
		}
		if s.Connected {
			res.Connected++
		}
		if s.Active {
			res.Active = append(res.Active, fmt.Sprintf("%s:%d", s.Hostname, s.Port))
		}
	}
	return Response{ID: cmd.ID, Result: res}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	h.log.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}
