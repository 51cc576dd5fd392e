package rpctable

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
)

// Command is a single named RPC method the table can dispatch to.
type Command interface {
	Name() string
	Execute(ctx context.Context, params json.RawMessage) (any, error)
}

// CommandFunc is the function signature wrapped by NewCommand
type CommandFunc func(ctx context.Context, params json.RawMessage) (any, error)

type funcCommand struct {
	name string
	fn   CommandFunc
}

func (c *funcCommand) Name() string { return c.name }

func (c *funcCommand) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	return c.fn(ctx, params)
}

// NewCommand adapts fn into a Command registered under name
func NewCommand(name string, fn CommandFunc) Command {
	return &funcCommand{name: name, fn: fn}
}

// releaseCommand closes cmd if it owns resources.
func releaseCommand(cmd Command) error {
	if c, ok := cmd.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// sameCommand reports whether a and b are the same command instance.
// Non-comparable dynamic types are never considered identical.
func sameCommand(a, b Command) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
