// Package distributed defines the following objects related to multi-worker execution:
//
//   - World: the set of workers of a job, usually read from the environment.
//   - ProcessGroup: an ordered subset of the ranks of a World that run collectives together.
//   - DeviceMesh: expresses the topology of the ranks in terms of named axes, used to derive groups.
//   - ShardingStrategy: how parameters are partitioned across a group.
//   - DeviceNum: a worker-local accelerator (or the CPU).
package distributed
