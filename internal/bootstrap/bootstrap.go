// Package bootstrap loads a static peer list for a group's first start,
// an alternative to wiring discovery through an external service
// (SPEC_FULL.md §4.6 "Configuration").
package bootstrap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/shardkit/raft/internal/raftpb"
)

// PeerSpec is one entry of a peers.yaml file.
type PeerSpec struct {
	ID       uint64 `yaml:"id"`
	Address  string `yaml:"address"`
	Observer bool   `yaml:"observer"`
}

// File is the on-disk shape of a static peer list.
type File struct {
	Peers []PeerSpec `yaml:"peers"`
}

// Load reads and parses a peers.yaml file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bootstrap: parsing %s: %w", path, err)
	}
	return &f, nil
}

// Members converts the file's peer list into raftpb.Member values, ready
// to hand to Raft.Bootstrap.
func (f *File) Members() []raftpb.Member {
	out := make([]raftpb.Member, 0, len(f.Peers))
	for _, p := range f.Peers {
		typ := raftpb.VoterMember
		if p.Observer {
			typ = raftpb.ObserverMember
		}
		out = append(out, raftpb.Member{ID: p.ID, Address: p.Address, Type: typ})
	}
	return out
}
