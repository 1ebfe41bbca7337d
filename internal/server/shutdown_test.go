package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct {
	closed int
	err    error
}

func (c *closer) Close() error {
	c.closed++
	return c.err
}

func TestShutdownHooks_RunInOrder(t *testing.T) {
	hooks := &ShutdownHooks{}

	var order []string
	for _, name := range []string{"telemetry", "worker", "store"} {
		hooks.Add(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, hooks.Execute(context.Background()))
	assert.Equal(t, []string{"telemetry", "worker", "store"}, order)
}

func TestShutdownHooks_IgnoresNil(t *testing.T) {
	hooks := &ShutdownHooks{}
	hooks.Add("nil-func", nil)
	hooks.AddCloser("nil-closer", nil)

	assert.Equal(t, 0, hooks.Len())
	assert.NoError(t, hooks.Execute(context.Background()))
}

func TestShutdownHooks_AddCloser(t *testing.T) {
	hooks := &ShutdownHooks{}
	c := &closer{}
	hooks.AddCloser("store", c)

	require.NoError(t, hooks.Execute(context.Background()))
	assert.Equal(t, 1, c.closed)
}

func TestShutdownHooks_FailureDoesNotStopLaterHooks(t *testing.T) {
	hooks := &ShutdownHooks{}
	failing := &closer{err: errors.New("database is locked")}
	after := &closer{}

	hooks.AddCloser("store", failing)
	hooks.AddCloser("after", after)

	err := hooks.Execute(context.Background())
	assert.ErrorContains(t, err, "store: database is locked")
	assert.ErrorIs(t, err, failing.err)
	assert.Equal(t, 1, after.closed)
}

func TestShutdownHooks_ReceivesContext(t *testing.T) {
	type key struct{}
	hooks := &ShutdownHooks{}

	var got any
	hooks.Add("ctx", func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	})

	ctx := context.WithValue(context.Background(), key{}, "deadline-carrier")
	require.NoError(t, hooks.Execute(ctx))
	assert.Equal(t, "deadline-carrier", got)
}
