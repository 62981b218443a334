package module

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree returns root{a{a1, a2}, b}.
func buildTree() *Module {
	a := New("a", "Block").
		AddChild(New("a1", "Linear").AddParameter(NewParameterWithData("w", []float32{1, 2}, 2))).
		AddChild(New("a2", "Linear").AddParameter(NewParameterWithData("w", []float32{3}, 1)))
	b := New("b", "Linear").AddParameter(NewParameterWithData("w", []float32{4, 5, 6}, 3))
	return New("", "Model").AddChild(a).AddChild(b)
}

func TestModules(t *testing.T) {
	root := buildTree()
	var paths []string
	var depths []int
	for p, m := range root.NamedModules() {
		paths = append(paths, p)
		depths = append(depths, m.Depth())
	}
	if diff := cmp.Diff([]string{"", "a", "a/a1", "a/a2", "b"}, paths); diff != "" {
		t.Errorf("NamedModules() paths mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{0, 1, 2, 2, 1}, depths)
	assert.Equal(t, 6, root.NumParameters())

	a1 := root.Child("a").Child("a1")
	assert.True(t, a1.IsDescendantOf(root))
	assert.False(t, root.IsDescendantOf(a1))
	p, err := a1.PathFrom(root)
	require.NoError(t, err)
	assert.Equal(t, "a/a1", p)
	_, err = root.PathFrom(a1)
	require.Error(t, err)

	// Early termination of the iterator.
	count := 0
	for range root.Modules() {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestAddChildPanics(t *testing.T) {
	root := buildTree()
	a := root.Child("a")
	require.Panics(t, func() { New("x", "X").AddChild(a) }, "a already has a parent")
	require.Panics(t, func() { root.AddChild(New("a", "Other")) }, "duplicate name")
	orphan := New("orphan", "X")
	orphan.AddChild(New("leaf", "X"))
	require.Panics(t, func() { orphan.Child("leaf").AddChild(orphan) }, "cycle")
	require.Panics(t, func() { NewParameterWithData("w", []float32{1}, 2) })
	require.Panics(t, func() { NewParameter("w", 0) })
}

func TestTiedParameters(t *testing.T) {
	shared := NewParameterWithData("w", []float32{1, 1}, 2)
	root := New("", "Model").
		AddChild(New("encoder", "Embedding").AddParameter(shared)).
		AddChild(New("decoder", "Linear").AddParameter(shared))
	assert.Len(t, root.AllParameters(), 1)
	assert.Equal(t, 2, root.NumParameters())
}

func TestCallHooksOrder(t *testing.T) {
	root := buildTree()
	var calls []string
	record := func(name string) ForwardPreHook {
		return func(_ context.Context, m *Module, _ any) error {
			calls = append(calls, fmt.Sprintf("%s(%s)", name, m.Name()))
			return nil
		}
	}
	for m := range root.Modules() {
		require.NoError(t, m.RegisterForwardPreHook("pre", 0, record("pre")))
		require.NoError(t, m.RegisterForwardPostHook("post", 0,
			func(_ context.Context, m *Module, _, _ any) error {
				calls = append(calls, fmt.Sprintf("post(%s)", m.Name()))
				return nil
			}))
	}
	// Registered last, but with lower priority: it must run first.
	require.NoError(t, root.RegisterForwardPreHook("first", -10, record("first")))
	require.NoError(t, root.RegisterForwardPreHook("also-zero", 0, record("also-zero")))
	require.Error(t, root.RegisterForwardPreHook("pre", 0, record("pre")))
	assert.Equal(t, []string{"first", "pre", "also-zero"}, root.ForwardPreHookNames())

	root.Child("b").WithForward(func(_ context.Context, _ *Module, input any) (any, error) {
		return input.(int) * 10, nil
	})
	output, err := root.Call(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 30, output)
	want := []string{
		"first()", "pre()", "also-zero()",
		"pre(a)", "pre(a1)", "post(a1)", "pre(a2)", "post(a2)", "post(a)",
		"pre(b)", "post(b)",
		"post()",
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, root.HasHook("first"))
	assert.True(t, root.RemoveHook("first"))
	assert.False(t, root.HasHook("first"))
	assert.False(t, root.RemoveHook("first"))
}

func TestCallErrors(t *testing.T) {
	root := buildTree()
	errBoom := errors.New("boom")
	root.Child("a").Child("a2").WithForward(func(context.Context, *Module, any) (any, error) {
		return nil, errBoom
	})
	_, err := root.Call(context.Background(), 0)
	require.ErrorIs(t, err, errBoom)

	root.Child("a").Child("a2").WithForward(func(context.Context, *Module, any) (any, error) {
		panic(errBoom)
	})
	_, err = root.Call(context.Background(), 0)
	require.ErrorIs(t, err, errBoom)

	root.Child("a").Child("a2").WithForward(nil)
	require.NoError(t, root.Child("b").RegisterForwardPreHook("fail", 0,
		func(context.Context, *Module, any) error { return errBoom }))
	_, err = root.Call(context.Background(), 0)
	require.ErrorIs(t, err, errBoom)
	require.ErrorContains(t, err, `"fail"`)
}

func TestExtensions(t *testing.T) {
	m := New("m", "X")
	_, found := m.Extension("key")
	assert.False(t, found)
	m.SetExtension("key", 7)
	value, found := m.Extension("key")
	require.True(t, found)
	assert.Equal(t, 7, value)
	m.SetExtension("key", nil)
	_, found = m.Extension("key")
	assert.False(t, found)
}

func TestStateDict(t *testing.T) {
	root := buildTree()
	root.Child("b").AddBuffer(&Buffer{Name: "running_mean", Data: []float32{0.5}})
	var visited []string
	require.NoError(t, root.Child("a").RegisterStateDictHook("rename",
		func(m *Module, prefix string, state map[string][]float32) error {
			visited = append(visited, prefix)
			state[prefix+"/marker"] = []float32{1}
			return nil
		}))
	state, err := root.StateDict()
	require.NoError(t, err)
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	assert.Equal(t, []string{"a/a1/w", "a/a2/w", "a/marker", "b/running_mean", "b/w"}, keys)
	assert.Equal(t, []string{"a"}, visited)

	// Loading.
	state["b/w"] = []float32{7, 8, 9}
	var order []string
	b := root.Child("b")
	require.NoError(t, b.RegisterLoadStateDictPreHook("pre",
		func(m *Module, _ string, _ map[string][]float32) error {
			order = append(order, "pre:"+fmt.Sprint(b.Parameters()[0].Data))
			return nil
		}))
	require.NoError(t, b.RegisterLoadStateDictPostHook("post", func(m *Module) error {
		order = append(order, "post:"+fmt.Sprint(b.Parameters()[0].Data))
		return nil
	}))
	require.NoError(t, root.LoadStateDict(state))
	assert.Equal(t, []string{"pre:[4 5 6]", "post:[7 8 9]"}, order)
	assert.True(t, b.HasHook("post"))

	state["b/w"] = []float32{1}
	require.ErrorContains(t, root.LoadStateDict(state), "b/w")
}
