package rpctable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingCommand records how many times the table released it.
type countingCommand struct {
	name     string
	closes   atomic.Int32
	closeErr error
}

func newCountingCommand(name string) *countingCommand {
	return &countingCommand{name: name}
}

func (c *countingCommand) Name() string { return c.name }

func (c *countingCommand) Execute(context.Context, json.RawMessage) (any, error) {
	return c.name, nil
}

func (c *countingCommand) Close() error {
	c.closes.Add(1)
	return c.closeErr
}

// valueCommand is a non-comparable command type.
type valueCommand struct {
	name string
	tags []string
}

func (c valueCommand) Name() string { return c.name }

func (c valueCommand) Execute(context.Context, json.RawMessage) (any, error) {
	return len(c.tags), nil
}

func TestTableBaselinePresentAfterConstruction(t *testing.T) {
	table := NewTable()
	defer table.Close()

	for _, name := range []string{MethodTestAdd, MethodTestSub} {
		cmd, err := table.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.Equal(t, []string{MethodTestAdd, MethodTestSub}, table.Names())
}

func TestTableWithoutBaseline(t *testing.T) {
	table := NewTable(WithBaseline(false))
	defer table.Close()

	assert.Zero(t, table.Len())
	_, err := table.Lookup(MethodTestAdd)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestTableLookupReturnsRegisteredInstance(t *testing.T) {
	table := NewTable(WithTableLogger(zaptest.NewLogger(t)))
	defer table.Close()

	echo := newCountingCommand("echo")
	require.NoError(t, table.Register(echo))

	got, err := table.Lookup("echo")
	require.NoError(t, err)
	assert.Same(t, echo, got)
}

func TestTableLookupMissing(t *testing.T) {
	table := NewTable()
	defer table.Close()

	cmd, err := table.Lookup("missing")
	assert.Nil(t, cmd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandNotFound))
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestTableExampleScenario(t *testing.T) {
	table := NewTable()

	echo := newCountingCommand("echo")
	require.NoError(t, table.Register(echo))

	got, err := table.Lookup("echo")
	require.NoError(t, err)
	assert.Same(t, echo, got)

	_, err = table.Lookup("missing")
	assert.ErrorIs(t, err, ErrCommandNotFound)

	require.NoError(t, table.Close())
	assert.Equal(t, int32(1), echo.closes.Load())
	assert.Zero(t, table.Len())
}

func TestTableDuplicateReplacesAndReleasesOld(t *testing.T) {
	table := NewTable()

	first := newCountingCommand("dup")
	second := newCountingCommand("dup")
	require.NoError(t, table.Register(first))
	require.NoError(t, table.Register(second))

	got, err := table.Lookup("dup")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, int32(1), first.closes.Load(), "replaced command is released at replacement")
	assert.Zero(t, second.closes.Load())

	require.NoError(t, table.Close())
	assert.Equal(t, int32(1), first.closes.Load(), "no double release")
	assert.Equal(t, int32(1), second.closes.Load())
}

func TestTableDuplicateSameInstanceIsNoop(t *testing.T) {
	table := NewTable()

	cmd := newCountingCommand("same")
	require.NoError(t, table.Register(cmd))
	require.NoError(t, table.Register(cmd))
	assert.Zero(t, cmd.closes.Load())

	require.NoError(t, table.Close())
	assert.Equal(t, int32(1), cmd.closes.Load())
}

func TestTableDuplicateNonComparableCommand(t *testing.T) {
	table := NewTable(WithBaseline(false))
	defer table.Close()

	require.NoError(t, table.Register(valueCommand{name: "value", tags: []string{"a"}}))
	require.NoError(t, table.Register(valueCommand{name: "value", tags: []string{"a", "b"}}))

	res, err := table.Execute(context.Background(), "value", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res)
}

func TestTableRejectDuplicates(t *testing.T) {
	table := NewTable(WithDuplicatePolicy(RejectDuplicates))

	first := newCountingCommand("dup")
	second := newCountingCommand("dup")
	require.NoError(t, table.Register(first))

	err := table.Register(second)
	assert.ErrorIs(t, err, ErrCommandAlreadyExists)
	assert.Equal(t, int32(1), second.closes.Load(), "rejected command is released")
	assert.Zero(t, first.closes.Load())

	got, err := table.Lookup("dup")
	require.NoError(t, err)
	assert.Same(t, first, got)

	require.NoError(t, table.Close())
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, int32(1), second.closes.Load())
}

func TestTableRejectsInvalidCommands(t *testing.T) {
	table := NewTable()
	defer table.Close()

	assert.ErrorIs(t, table.Register(nil), ErrInvalidCommand)

	unnamed := newCountingCommand("")
	assert.ErrorIs(t, table.Register(unnamed), ErrInvalidCommand)
	assert.Equal(t, int32(1), unnamed.closes.Load())
}

func TestTableReleasesExactlyOnce(t *testing.T) {
	for _, n := range []int{1, 2, 150} {
		t.Run(fmt.Sprintf("%d commands", n), func(t *testing.T) {
			table := NewTable()

			cmds := make([]*countingCommand, n)
			for i := range cmds {
				cmds[i] = newCountingCommand(fmt.Sprintf("cmd-%d", i))
				require.NoError(t, table.Register(cmds[i]))
			}
			assert.Equal(t, n+2, table.Len())

			require.NoError(t, table.Close())
			require.NoError(t, table.Close())

			for _, cmd := range cmds {
				assert.Equal(t, int32(1), cmd.closes.Load(), cmd.name)
			}
		})
	}
}

func TestTableCloseCombinesErrors(t *testing.T) {
	table := NewTable(WithBaseline(false))

	a := newCountingCommand("a")
	a.closeErr = errors.New("a failed")
	b := newCountingCommand("b")
	b.closeErr = errors.New("b failed")
	require.NoError(t, table.Register(a))
	require.NoError(t, table.Register(b))

	err := table.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
}

func TestTableAfterClose(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Close())

	late := newCountingCommand("late")
	assert.ErrorIs(t, table.Register(late), ErrTableClosed)
	assert.Equal(t, int32(1), late.closes.Load())

	_, err := table.Lookup(MethodTestAdd)
	assert.ErrorIs(t, err, ErrTableClosed)
	assert.ErrorIs(t, table.Unregister(MethodTestAdd), ErrTableClosed)
}

func TestTableUnregister(t *testing.T) {
	table := NewTable()
	defer table.Close()

	cmd := newCountingCommand("gone")
	require.NoError(t, table.Register(cmd))
	require.NoError(t, table.Unregister("gone"))
	assert.Equal(t, int32(1), cmd.closes.Load())

	_, err := table.Lookup("gone")
	assert.ErrorIs(t, err, ErrCommandNotFound)
	assert.ErrorIs(t, table.Unregister("gone"), ErrCommandNotFound)
}

func TestTableExecute(t *testing.T) {
	table := NewTable()
	defer table.Close()

	res, err := table.Execute(context.Background(), MethodTestAdd, json.RawMessage(`{"x":3,"y":4}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), res)

	_, err = table.Execute(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestTableMustRegisterPanics(t *testing.T) {
	table := NewTable(WithDuplicatePolicy(RejectDuplicates))
	defer table.Close()

	assert.Panics(t, func() {
		table.MustRegister(newCountingCommand(MethodTestAdd))
	})
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := table.Lookup(MethodTestAdd)
				assert.NoError(t, err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, table.Register(newCountingCommand(fmt.Sprintf("w%d", i))))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, table.Len())
	require.NoError(t, table.Close())
}
