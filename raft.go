// Package raft is a multi-group Raft consensus engine: each Node runs
// one group's leader election, log replication, and membership changes
// as fibers on top of a durable, CRC-framed segmented log.
package raft

// None is the zero member id, used to mean "no leader" / "unassigned".
const None = 0
