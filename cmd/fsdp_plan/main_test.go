package main

import (
	"context"
	"strings"
	"testing"

	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/fsdp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const transformerYAML = `
name: model
kind: Transformer
children:
  - name: embed
    kind: Embedding
    params: [{name: w, shape: [100, 8]}]
  - name: block
    kind: TransformerBlock
    repeat: 3
    buffers: [{name: mask, shape: [8]}]
    children:
      - {name: attn, kind: Attention, params: [{name: qkv, shape: [8, 24]}]}
      - {name: mlp, kind: Linear, params: [{name: w, shape: [8, 8]}, {name: b, shape: [8]}]}
  - name: head
    kind: Linear
    params: [{name: w, tie: embed/w}]
`

func TestLoadTree(t *testing.T) {
	root := must.M1(loadTree(strings.NewReader(transformerYAML)))
	var paths []string
	for p := range root.NamedModules() {
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"", "embed",
		"block_0", "block_0/attn", "block_0/mlp",
		"block_1", "block_1/attn", "block_1/mlp",
		"block_2", "block_2/attn", "block_2/mlp",
		"head"}, paths)
	assert.Same(t, root.Child("embed").Parameters()[0], root.Child("head").Parameters()[0])
	assert.Equal(t, 800+3*(192+64+8), root.NumParameters())
	assert.False(t, root.Child("embed").Parameters()[0].IsMaterialized())
	assert.Len(t, root.Child("block_1").Buffers()[0].Data, 8)

	for name, yaml := range map[string]string{
		"unknown field":  "name: x\nkind: X\nsize: 3\n",
		"no kind":        "name: x\n",
		"bad tie":        "name: x\nkind: X\nparams: [{name: w, tie: nowhere/w}]\n",
		"bad shape":      "name: x\nkind: X\nparams: [{name: w, shape: [2, 0]}]\n",
		"no shape":       "name: x\nkind: X\nparams: [{name: w}]\n",
		"unnamed child":  "name: x\nkind: X\nchildren: [{kind: Y}]\n",
		"duplicate name": "name: x\nkind: X\nchildren: [{name: a, kind: Y}, {name: a, kind: Y}]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadTree(strings.NewReader(yaml))
			require.Error(t, err)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	policy := must.M1(parsePolicy("none"))
	assert.Nil(t, policy)
	assert.Equal(t, fsdp.ModuleSizePolicy{MinNumParams: 2_000_000}, must.M1(parsePolicy("size:2M")))
	assert.Equal(t, fsdp.DepthPolicy{MaxDepth: 2}, must.M1(parsePolicy("depth:2")))
	assert.Equal(t, fsdp.NewKindPolicy("A", "B"), must.M1(parsePolicy("kind:A,B")))
	for _, value := range []string{"size", "depth:-1", "depth:x", "size:lots", "color:red"} {
		_, err := parsePolicy(value)
		assert.Error(t, err, "policy %q", value)
	}
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()
	opts := planOptions{
		Strategy:  distributed.FullShard,
		Policy:    fsdp.NewKindPolicy("TransformerBlock"),
		Ignore:    []string{"block_2"},
		WorldSize: 4,
		Rank:      3,
		Steps:     2,
	}
	p, err := simulate(ctx, []byte(transformerYAML), opts)
	require.NoError(t, err)
	s := p.State
	require.Len(t, s.Handles(), 3)
	root := s.Handles()[0]
	assert.Equal(t, "", root.UnitPath())
	assert.Equal(t, 800, root.NumElements())
	assert.Equal(t, 200, root.ShardSize())
	block := s.Handles()[1]
	assert.Equal(t, "block_0", block.UnitPath())
	assert.Equal(t, 264, block.NumElements())
	assert.Equal(t, 66, block.ShardSize())
	assert.Equal(t, 2, s.Stats().Passes)
	assert.Len(t, s.IgnoredModules(), 3)
	assert.Equal(t, []int{0, 1, 2, 3}, s.ProcessGroup().Ranks())

	// The tables don't fail.
	assert.Contains(t, handlesTable(p).Render(), "block_1")
	assert.Contains(t, summaryTable(p, opts).Render(), "FullShard")
	assert.Contains(t, hooksTable(p).Render(), "RootPreForward")

	opts.Rank = 4
	_, err = simulate(ctx, []byte(transformerYAML), opts)
	require.Error(t, err)
	opts.Rank = 0
	opts.Ignore = []string{"nowhere"}
	_, err = simulate(ctx, []byte(transformerYAML), opts)
	require.Error(t, err)
}

func TestSimulateHybrid(t *testing.T) {
	opts := planOptions{
		Strategy:  distributed.HybridShard,
		Policy:    fsdp.NewKindPolicy("TransformerBlock"),
		WorldSize: 4,
		LocalSize: 2,
		Rank:      2,
		Steps:     1,
	}
	p, err := simulate(context.Background(), []byte(transformerYAML), opts)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, p.State.ProcessGroup().Ranks())
	assert.Equal(t, []int{0, 2}, p.State.ReplicateGroup().Ranks())
	assert.Equal(t, 400, p.State.Handles()[0].ShardSize())
}
