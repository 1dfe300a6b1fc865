package loader

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
	"github.com/c360/nodeflow/registry"
)

type fixedState map[string]bool

func (s fixedState) LoadNodeState(context.Context) (map[string]bool, error) { return s, nil }
func (s fixedState) SaveNodeState(context.Context, map[string]bool) error  { return nil }

func def(typeName string) node.Definition {
	return node.Definition{
		Type: typeName,
		Factory: func(node.Config) (node.Behavior, error) {
			return node.BehaviorFunc(func(context.Context, *node.Node, message.Message) error { return nil }), nil
		},
	}
}

func TestLoadRegistersSets(t *testing.T) {
	reg := registry.New()
	results := New(reg, nil).Load(context.Background(), Module{
		Name:    "core",
		Version: "1.0.0",
		Sets: []NodeSet{
			{Name: "inject", Definitions: []node.Definition{def("inject")}, MessageTypes: []string{"payload"}},
			{Name: "debug", Definitions: []node.Definition{def("debug")}},
		},
	})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.OK(), r.ID)
	}
	assert.Equal(t, "core/inject", results[0].ID)

	d, ok := reg.Get("core/inject")
	require.True(t, ok)
	assert.True(t, d.Enabled)
	assert.True(t, d.Loaded)
	assert.Equal(t, "1.0.0", d.Version)
	assert.Equal(t, []string{"payload"}, d.MessageTypes)

	_, ok = reg.GetType("debug")
	assert.True(t, ok)
}

func TestLoadFailureIsSettled(t *testing.T) {
	reg := registry.New()
	bad := def("bad")
	bad.Factory = nil

	results := New(reg, nil).Load(context.Background(), Module{
		Name: "core",
		Sets: []NodeSet{
			{Name: "bad", Definitions: []node.Definition{bad}},
			{Name: "good", Definitions: []node.Definition{def("good")}},
		},
	})

	require.Len(t, results, 2)
	var loadErr *errors.TypeLoadError
	require.ErrorAs(t, results[0].Err, &loadErr)
	assert.Equal(t, "core/bad", loadErr.SetID)
	assert.Equal(t, "bad", loadErr.Type)
	assert.True(t, results[1].OK())

	d, _ := reg.Get("core/bad")
	assert.False(t, d.Loaded)
	assert.Error(t, d.Err)

	_, ok := reg.GetType("bad")
	assert.False(t, ok)
	_, ok = reg.GetType("good")
	assert.True(t, ok)
}

func TestLoadDuplicateAcrossModules(t *testing.T) {
	reg := registry.New()
	results := New(reg, nil).Load(context.Background(),
		Module{Name: "core", Sets: []NodeSet{{Name: "inject", Definitions: []node.Definition{def("inject")}}}},
		Module{Name: "contrib", Sets: []NodeSet{{Name: "inject", Definitions: []node.Definition{def("inject")}}}},
	)

	require.Len(t, results, 2)
	assert.True(t, results[0].OK())
	var dup *errors.DuplicateTypeError
	assert.ErrorAs(t, results[1].Err, &dup)

	d, _ := reg.Get("contrib/inject")
	assert.Error(t, d.Err)
	_, ok := reg.GetType("inject")
	assert.True(t, ok, "first binding stays usable")
}

func TestLoadRegisterHook(t *testing.T) {
	reg := registry.New()
	calls := 0
	results := New(reg, nil).Load(context.Background(), Module{
		Name: "core",
		Sets: []NodeSet{
			{
				Name:        "hooked",
				Definitions: []node.Definition{def("hooked")},
				Register: func(_ context.Context, r *registry.Registry, setID string) error {
					calls++
					assert.Equal(t, "core/hooked", setID)
					return nil
				},
			},
			{
				Name:        "failing",
				Definitions: []node.Definition{def("failing")},
				Register: func(context.Context, *registry.Registry, string) error {
					return fmt.Errorf("no driver")
				},
			},
			{
				Name: "panicking",
				Register: func(context.Context, *registry.Registry, string) error {
					panic("boom")
				},
			},
		},
	})

	assert.Equal(t, 1, calls)
	assert.True(t, results[0].OK())
	assert.Error(t, results[1].Err)
	assert.ErrorContains(t, results[2].Err, "panicked")

	_, ok := reg.GetType("failing")
	assert.False(t, ok)
}

func TestLoadHonoursPersistedState(t *testing.T) {
	reg := registry.New(registry.WithStateStore(fixedState{"core/debug": false}))
	New(reg, nil).Load(context.Background(), Module{
		Name: "core",
		Sets: []NodeSet{
			{Name: "debug", Definitions: []node.Definition{def("debug")}},
			{Name: "inject", Definitions: []node.Definition{def("inject")}},
		},
	})

	d, _ := reg.Get("core/debug")
	assert.False(t, d.Enabled)
	assert.True(t, d.Loaded)
	_, ok := reg.GetType("debug")
	assert.False(t, ok)
	_, ok = reg.GetType("inject")
	assert.True(t, ok)
}

func TestLoadTwiceIsStable(t *testing.T) {
	reg := registry.New()
	mod := Module{Name: "core", Sets: []NodeSet{{Name: "inject", Definitions: []node.Definition{def("inject")}}}}
	l := New(reg, nil)

	first := l.Load(context.Background(), mod)
	second := l.Load(context.Background(), mod)

	assert.Equal(t, first, second)
	assert.Len(t, reg.NodeList(nil), 1)
}
