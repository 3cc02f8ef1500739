package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_TriggerDispatchesHandler(t *testing.T) {
	m := NewManager()
	var got string
	m.Register(&Spec{
		Name: "NICK",
		Pos:  []Positional{{Name: "nick", Required: true}},
	}, func(ctx context.Context, args *Args) error {
		got = args.Get(0)
		return nil
	})

	err := m.Trigger(context.Background(), "NICK alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestManager_TriggerIsCaseInsensitive(t *testing.T) {
	m := NewManager()
	called := false
	m.Register(&Spec{Name: "RECONNECT"}, func(ctx context.Context, args *Args) error {
		called = true
		return nil
	})

	require.NoError(t, m.Trigger(context.Background(), "reconnect"))
	assert.True(t, called)
}

func TestManager_UnknownCommand(t *testing.T) {
	m := NewManager()
	err := m.Trigger(context.Background(), "BOGUS")
	assert.Error(t, err)
}

func TestManager_Alias(t *testing.T) {
	m := NewManager()
	called := false
	m.Register(&Spec{Name: "DISCONNECT"}, func(ctx context.Context, args *Args) error {
		called = true
		return nil
	}, "QUIT")

	require.NoError(t, m.Trigger(context.Background(), "QUIT"))
	assert.True(t, called)
}

func TestManager_MultipleCommandsStopsAtFirstError(t *testing.T) {
	m := NewManager()
	var calls []string
	m.Register(&Spec{Name: "OK"}, func(ctx context.Context, args *Args) error {
		calls = append(calls, "OK")
		return nil
	})

	err := m.Trigger(context.Background(), "OK; BOGUS; OK")
	assert.Error(t, err)
	assert.Equal(t, []string{"OK"}, calls)
}

func TestManager_Help(t *testing.T) {
	m := NewManager()
	m.Register(&Spec{Name: "NICK", Short: "change nick"}, func(ctx context.Context, args *Args) error {
		return nil
	})

	err := m.Trigger(context.Background(), "HELP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NICK - change nick")
}
