package rpctable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Table owns the set of RPC commands and resolves them by method name.
// It is safe for concurrent use.
type Table struct {
	commands   map[string]Command
	mu         sync.RWMutex
	closed     bool
	duplicates DuplicatePolicy
	logger     *zap.Logger
}

// NewTable creates a command table. Unless disabled with WithBaseline(false),
// the baseline commands are registered before NewTable returns.
func NewTable(opts ...TableOption) *Table {
	options := defaultTableOptions()
	for _, opt := range opts {
		opt(&options)
	}

	t := &Table{
		commands:   make(map[string]Command),
		duplicates: options.duplicates,
		logger:     options.logger.Named("table"),
	}

	if options.baseline {
		for _, cmd := range baselineCommands() {
			t.MustRegister(cmd)
		}
	}

	return t
}

// Register adds cmd to the table. The table takes ownership of cmd even when
// registration fails, in which case cmd is closed before Register returns.
func (t *Table) Register(cmd Command) error {
	if cmd == nil {
		return ErrInvalidCommand
	}
	name := cmd.Name()
	if name == "" {
		return multierr.Append(fmt.Errorf("%w: empty name", ErrInvalidCommand), releaseCommand(cmd))
	}

	replaced, err := t.insert(name, cmd)
	if err != nil {
		return multierr.Append(err, releaseCommand(cmd))
	}

	if replaced != nil {
		t.logger.Debug("replaced command", zap.String("method", name))
		if err := releaseCommand(replaced); err != nil {
			t.logger.Warn("failed to close replaced command", zap.String("method", name), zap.Error(err))
		}
		return nil
	}

	t.logger.Debug("registered command", zap.String("method", name))
	return nil
}

// insert stores cmd under name and returns the command it displaced, if any.
func (t *Table) insert(name string, cmd Command) (Command, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTableClosed
	}

	existing, exists := t.commands[name]
	if exists {
		if sameCommand(existing, cmd) {
			return nil, nil
		}
		if t.duplicates == RejectDuplicates {
			return nil, fmt.Errorf("%w: %q", ErrCommandAlreadyExists, name)
		}
	}

	t.commands[name] = cmd
	return existing, nil
}

// MustRegister is like Register but panics on failure. Meant for startup code.
func (t *Table) MustRegister(cmd Command) {
	if err := t.Register(cmd); err != nil {
		panic(fmt.Sprintf("rpctable: register: %v", err))
	}
}

// Lookup returns the command registered under name. A miss is reported as
// an error wrapping ErrCommandNotFound, never as a nil Command.
func (t *Table) Lookup(name string) (Command, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrTableClosed
	}

	cmd, ok := t.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}
	return cmd, nil
}

// Execute resolves name and runs the command outside the table lock.
func (t *Table) Execute(ctx context.Context, name string, params json.RawMessage) (any, error) {
	cmd, err := t.Lookup(name)
	if err != nil {
		return nil, err
	}
	return cmd.Execute(ctx, params)
}

// Unregister removes the command registered under name and closes it.
func (t *Table) Unregister(name string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTableClosed
	}
	cmd, ok := t.commands[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}
	delete(t.commands, name)
	t.mu.Unlock()

	t.logger.Debug("unregistered command", zap.String("method", name))
	return releaseCommand(cmd)
}

// Names returns the registered method names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.commands)
}

// Close releases every command the table owns exactly once. Calling Close
// again is a no-op.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owned := t.commands
	t.commands = make(map[string]Command)
	t.mu.Unlock()

	var err error
	for name, cmd := range owned {
		if cerr := releaseCommand(cmd); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %q: %w", name, cerr))
		}
	}

	t.logger.Debug("closed command table", zap.Int("commands", len(owned)))
	return err
}
