package cmd

import (
	"context"
	"time"

	"firestige.xyz/edirelay/internal/command"
	"firestige.xyz/edirelay/internal/redundancy"
)

// ClientInterface is the part of the control client the commands use, so
// tests can substitute a mock.
type ClientInterface interface {
	Status(ctx context.Context) (command.StatusResult, error)
	GetSettings(ctx context.Context) (command.SettingsResult, error)
	ListInputs(ctx context.Context) ([]redundancy.SourceStatus, error)
	SetInput(ctx context.Context, source string, enabled bool) error
	Set(ctx context.Context, method string, value interface{}) error
	Inhibit(ctx context.Context, d time.Duration) (string, error)
	ConfigReload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

var _ ClientInterface = (*command.UDSClient)(nil)
