package rpctable

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	MethodTestAdd           = "test_add"
	MethodTestSub           = "test_sub"
	MethodPing              = "ping"
	MethodSupportedCommands = "get_supported_cmds"
)

// baselineCommands are present in every table built with the default options.
func baselineCommands() []Command {
	return []Command{
		&arithmeticCommand{name: MethodTestAdd, op: func(x, y int64) int64 { return x + y }},
		&arithmeticCommand{name: MethodTestSub, op: func(x, y int64) int64 { return x - y }},
	}
}

type arithmeticParams struct {
	X *int64 `json:"x"`
	Y *int64 `json:"y"`
}

type arithmeticCommand struct {
	name string
	op   func(x, y int64) int64
}

func (c *arithmeticCommand) Name() string { return c.name }

func (c *arithmeticCommand) Execute(_ context.Context, params json.RawMessage) (any, error) {
	var p arithmeticParams
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: x and y are required", ErrInvalidParams)
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.X == nil {
		return nil, fmt.Errorf("%w: x is required", ErrInvalidParams)
	}
	if p.Y == nil {
		return nil, fmt.Errorf("%w: y is required", ErrInvalidParams)
	}
	return c.op(*p.X, *p.Y), nil
}

// NewPingCommand answers with an empty object. Clients use it as a liveness probe.
func NewPingCommand() Command {
	return NewCommand(MethodPing, func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
}

// NewSupportedCommandsCommand lists the methods registered in t at call time.
func NewSupportedCommandsCommand(t *Table) Command {
	return NewCommand(MethodSupportedCommands, func(context.Context, json.RawMessage) (any, error) {
		return t.Names(), nil
	})
}

// RegisterIntrospection adds ping and get_supported_cmds to t.
func RegisterIntrospection(t *Table) error {
	if err := t.Register(NewPingCommand()); err != nil {
		return err
	}
	return t.Register(NewSupportedCommandsCommand(t))
}
