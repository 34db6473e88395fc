// Package loopback is an in-memory raftstate.Transport for tests: it
// dispatches RPCs directly to other in-process groups by address instead
// of going over a socket, so multi-node scenarios can run inside a
// single test binary (spec.md §8 "Testing").
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardkit/raft/internal/raftpb"
)

// Handler is the subset of raftstate.Raft that loopback dispatches RPCs
// to; kept as an interface so this package never imports raftstate and
// create an import cycle (raftstate's tests import loopback).
type Handler interface {
	HandleVote(req *raftpb.VoteReq) *raftpb.VoteResp
	HandleAppendEntries(req *raftpb.AppendEntriesReq) *raftpb.AppendEntriesResp
	HandleInstallSnapshot(req *raftpb.InstallSnapshotReq) *raftpb.InstallSnapshotResp
	HandlePing(p *raftpb.RaftPing)
}

// Network is a shared registry of addressable handlers; every group in a
// test cluster registers itself under its Config.Address and gets a
// *Transport bound to the same Network to send with.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	partitioned map[string]bool
}

// NewNetwork returns an empty loopback network.
func NewNetwork() *Network {
	return &Network{
		handlers:    make(map[string]Handler),
		partitioned: make(map[string]bool),
	}
}

// Register binds addr to h. Registering the same address twice replaces
// the previous binding, which is convenient for node-restart scenarios.
func (n *Network) Register(addr string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Unregister removes addr's binding, simulating the node being gone.
func (n *Network) Unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

// Partition marks addr as unreachable without removing its binding, so
// it can later rejoin via Heal without losing its registered handler.
func (n *Network) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[addr] = true
}

// Heal clears a Partition on addr.
func (n *Network) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, addr)
}

func (n *Network) lookup(addr string) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.partitioned[addr] {
		return nil, fmt.Errorf("transport/loopback: %s is partitioned", addr)
	}
	h, ok := n.handlers[addr]
	if !ok {
		return nil, fmt.Errorf("transport/loopback: no handler registered for %s", addr)
	}
	return h, nil
}

// Transport implements raftstate.Transport by dispatching directly into
// n's registered handlers.
type Transport struct {
	net *Network
}

// NewTransport returns a Transport bound to n.
func NewTransport(n *Network) *Transport {
	return &Transport{net: n}
}

func (t *Transport) SendVote(ctx context.Context, addr string, req *raftpb.VoteReq) (*raftpb.VoteResp, error) {
	h, err := t.net.lookup(addr)
	if err != nil {
		return nil, err
	}
	return h.HandleVote(req), nil
}

func (t *Transport) SendAppendEntries(ctx context.Context, addr string, req *raftpb.AppendEntriesReq) (*raftpb.AppendEntriesResp, error) {
	h, err := t.net.lookup(addr)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(req), nil
}

func (t *Transport) SendInstallSnapshot(ctx context.Context, addr string, req *raftpb.InstallSnapshotReq) (*raftpb.InstallSnapshotResp, error) {
	h, err := t.net.lookup(addr)
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(req), nil
}

func (t *Transport) SendPing(ctx context.Context, addr string, ping *raftpb.RaftPing) error {
	h, err := t.net.lookup(addr)
	if err != nil {
		return err
	}
	h.HandlePing(ping)
	return nil
}
