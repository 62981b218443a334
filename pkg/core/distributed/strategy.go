package distributed

// ShardingStrategy is an enumeration of the ways parameters, gradients and optimizer state are partitioned
// across the ranks of a process group.
type ShardingStrategy int

//go:generate go tool enumer -type ShardingStrategy -output=gen_shardingstrategy_enumer.go strategy.go

const (
	// FullShard shards parameters, gradients and optimizer state. Parameters are gathered before each
	// forward and backward computation and resharded right after it. It's the default.
	FullShard ShardingStrategy = iota

	// ShardGradOp shards gradients and optimizer state, and keeps the gathered parameters between the
	// forward and the backward pass (ZeRO stage 2).
	ShardGradOp

	// NoShard replicates everything: gradients are all-reduced, like plain data parallelism.
	NoShard

	// HybridShard applies FullShard within a node (the "shard" group) and replicates across nodes
	// (the "replicate" group).
	HybridShard

	// HybridShardZeRO2 applies ShardGradOp within a node and replicates across nodes.
	HybridShardZeRO2
)

// IsHybrid returns whether the strategy uses separate shard and replicate groups.
func (s ShardingStrategy) IsHybrid() bool {
	return s == HybridShard || s == HybridShardZeRO2
}

// IsSharded returns whether parameters are partitioned at all.
func (s ShardingStrategy) IsSharded() bool {
	return s != NoShard
}

// ReshardAfterForward returns whether the gathered parameters are freed as soon as the forward computation
// of their unit is finished.
func (s ShardingStrategy) ReshardAfterForward() bool {
	return s == FullShard || s == HybridShard
}
