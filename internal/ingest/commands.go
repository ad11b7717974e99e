package ingest

import (
	"context"
	"fmt"
)

// Command is a connection-management request. Callers such as the HTTP API
// and the dashboard use it instead of calling Connect or Stop directly.
type Command interface {
	command()
}

type OpenCommand struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type CloseCommand struct{}

func (OpenCommand) command()  {}
func (CloseCommand) command() {}

// Exec applies cmd. An OpenCommand returns Connect's error.
func (i *Ingester) Exec(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case OpenCommand:
		if c.Port == "" {
			return fmt.Errorf("open: port is required")
		}
		if c.Baud <= 0 {
			return fmt.Errorf("open: baud must be > 0")
		}
		return i.Connect(ctx, c.Port, c.Baud)
	case *OpenCommand:
		if c == nil {
			return fmt.Errorf("open: nil command")
		}
		return i.Exec(ctx, *c)
	case CloseCommand, *CloseCommand:
		i.Stop()
		return nil
	case nil:
		return fmt.Errorf("command is nil")
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}
