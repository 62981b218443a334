package fsdp

import (
	"context"
	"testing"

	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/support/sets"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTransformer returns:
//
//	model{embed(w), blocks{b0{attn(q,k), mlp(w)}, b1{attn(q,k), mlp(w)}}, head(w tied to embed/w)}
func newTransformer() *module.Module {
	param := func(name string, size int) *module.Parameter {
		return module.NewParameterWithData(name, filled(size, 1), size)
	}
	embedding := param("w", 8)
	blocks := module.New("blocks", "Sequential")
	for _, name := range []string{"b0", "b1"} {
		blocks.AddChild(module.New(name, "TransformerBlock").
			AddChild(module.New("attn", "Attention").AddParameter(param("q", 4)).AddParameter(param("k", 4))).
			AddChild(module.New("mlp", "Linear").AddParameter(param("w", 6))))
	}
	return module.New("", "Model").
		AddChild(module.New("embed", "Embedding").AddParameter(embedding)).
		AddChild(blocks).
		AddChild(module.New("head", "Linear").AddParameter(embedding))
}

func TestPartitionCompleteness(t *testing.T) {
	ctx := context.Background()
	root := newTransformer()
	allParams := root.AllParameters()
	s, err := singleWorker(root).Policy(NewKindPolicy("TransformerBlock")).Done(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	var units []string
	var paramPaths [][]string
	seen := sets.Make[*module.Parameter]()
	for _, h := range s.Handles() {
		units = append(units, h.UnitPath())
		paramPaths = append(paramPaths, h.ParameterPaths())
		for _, p := range h.Parameters() {
			require.False(t, seen.Has(p), "parameter %s in more than one handle", p)
			seen.Insert(p)
		}
	}
	assert.Equal(t, sets.MakeWith(allParams...), seen)
	want := [][]string{
		{"embed/w"}, // The tied head/w is the same parameter, in the same unit.
		{"blocks/b0/attn/q", "blocks/b0/attn/k", "blocks/b0/mlp/w"},
		{"blocks/b1/attn/q", "blocks/b1/attn/k", "blocks/b1/mlp/w"},
	}
	if diff := cmp.Diff(want, paramPaths); diff != "" {
		t.Errorf("parameters of the handles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"", "blocks/b0", "blocks/b1"}, units)
	assert.Equal(t, 14, s.Handles()[1].NumElements())
	assert.Len(t, s.HandlesOf(root.Child("blocks").Child("b0")), 1)
	assert.Empty(t, s.HandlesOf(root.Child("blocks")))

	// Parameters are sharded: they only hold values while gathered.
	for _, p := range allParams {
		assert.Nil(t, p.Data)
	}
}

func TestPartitionErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("parameter shared by two units", func(t *testing.T) {
		root := newTransformer()
		_, err := singleWorker(root).Policy(NewKindPolicy("Embedding", "Linear")).Done(ctx)
		require.ErrorIs(t, err, ErrPartition)
		require.ErrorContains(t, err, "head/w")
		_, found := StateOf(root)
		assert.False(t, found)
		for m := range root.Modules() {
			assert.Empty(t, m.ForwardPreHookNames())
		}
		// Parameters untouched.
		assert.NotNil(t, root.Child("embed").Parameters()[0].Data)
	})

	t.Run("parameter shared with an ignored module", func(t *testing.T) {
		root := newTransformer()
		_, err := singleWorker(root).IgnoredModules(root.Child("head")).Done(ctx)
		require.ErrorIs(t, err, ErrPartition)
		require.ErrorContains(t, err, "ignored")
	})

	t.Run("panicking policy", func(t *testing.T) {
		root := newTransformer()
		_, err := singleWorker(root).Policy(func(m *module.Module, _ int) bool {
			if m.Kind() == "Attention" {
				panic(errors.New("no attention please"))
			}
			return false
		}).Done(ctx)
		require.ErrorIs(t, err, ErrPartition)
		require.ErrorContains(t, err, "no attention please")

		_, err = singleWorker(root).Policy(func(*module.Module, int) bool { panic("not an error") }).Done(ctx)
		require.ErrorIs(t, err, ErrPartition)
		require.ErrorContains(t, err, "not an error")
	})
}

func TestPolicyDepthAndSize(t *testing.T) {
	ctx := context.Background()
	var calls []string
	root := newTransformer()
	s, err := singleWorker(root).Policy(func(m *module.Module, depth int) bool {
		calls = append(calls, m.Name())
		return depth == 2 && m.NumParameters() >= 14
	}).Done(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	// The root is always a unit, the policy is asked about all others in pre-order.
	assert.Equal(t, []string{"embed", "blocks", "b0", "attn", "mlp", "b1", "attn", "mlp", "head"}, calls)
	assert.Len(t, s.Handles(), 3)

	assert.True(t, ModuleSizePolicy{MinNumParams: 14}.ShouldWrap(root.Child("blocks").Child("b0"), 2))
	assert.False(t, ModuleSizePolicy{MinNumParams: 15}.ShouldWrap(root.Child("blocks").Child("b0"), 2))
	assert.True(t, DepthPolicy{MaxDepth: 1}.ShouldWrap(root.Child("blocks"), 1))
	assert.False(t, DepthPolicy{MaxDepth: 1}.ShouldWrap(root.Child("blocks").Child("b0"), 2))
	head := root.Child("head")
	assert.True(t, NewModuleSetPolicy(head).ShouldWrap(head, 1))
	assert.False(t, NewModuleSetPolicy(head).ShouldWrap(root.Child("embed"), 1))
	anyPolicy := AnyPolicy{NewModuleSetPolicy(head), NewKindPolicy("Sequential")}
	assert.True(t, anyPolicy.ShouldWrap(root.Child("blocks"), 1))
	assert.False(t, anyPolicy.ShouldWrap(root.Child("embed"), 1))
}

func TestSizePolicyWithIgnored(t *testing.T) {
	ctx := context.Background()
	root := newTransformer()
	b0 := root.Child("blocks").Child("b0")
	s, err := singleWorker(root).
		IgnoredModules(b0.Child("mlp")).
		Policy(AnyPolicy{ModuleSizePolicy{MinNumParams: 14}}).
		Done(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	// Without its ignored mlp, "blocks/b0" holds only 8 parameter elements.
	assert.Equal(t, []string{"", "blocks", "blocks/b1"}, unitPaths(s.Handles()))
	assert.True(t, ModuleSizePolicy{MinNumParams: 14}.ShouldWrap(b0, 2))
}

func TestParamInitFn(t *testing.T) {
	ctx := context.Background()
	newLazy := func() *module.Module {
		return module.New("", "Model").
			AddChild(module.New("a", "Linear").AddParameter(module.NewParameter("w", 2, 2))).
			AddChild(module.New("b", "Linear").AddParameter(module.NewParameterWithData("w", filled(3, 7), 3)))
	}

	_, err := singleWorker(newLazy()).Done(ctx)
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorContains(t, err, `"a/w"`)

	var initialized []string
	root := newLazy()
	s, err := singleWorker(root).ParamInitFn(func(m *module.Module) error {
		initialized = append(initialized, m.Name())
		for _, p := range m.Parameters() {
			p.Data = filled(p.Size(), 0.5)
		}
		return nil
	}).Done(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	assert.Equal(t, []string{"a"}, initialized)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 7, 7, 7}, s.Handles()[0].Shard())

	_, err = singleWorker(newLazy()).ParamInitFn(func(m *module.Module) error {
		return errors.New("out of memory")
	}).Done(ctx)
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorContains(t, err, "out of memory")
}

func TestCPUOffloadAndDevice(t *testing.T) {
	ctx := context.Background()
	root := newChain(2, 3)
	s, err := singleWorker(root).DeviceID(2).CPUOffload(CPUOffload{Params: true}).Done(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	h := s.Handles()[0]
	assert.Equal(t, distributed.CPU, h.ShardDevice())
	assert.Equal(t, distributed.DeviceNum(2), h.ComputeDevice())
	for _, p := range h.Parameters() {
		assert.Equal(t, distributed.DeviceNum(2), p.Device)
	}

	// A parameter moved out of its compute device is caught by the root at the next forward pass.
	h.Parameters()[1].Device = 0
	_, err = root.Call(ctx, float32(0))
	require.ErrorContains(t, err, "l1/w")
}
