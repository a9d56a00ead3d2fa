package collector

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one statically known member of the processing cluster.
type Node struct {
	Hostname string `yaml:"hostname" json:"hostname"`
	// Address is where a real sampler would reach the node (SNMP agent, exporter).
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	OS      string `yaml:"os,omitempty" json:"os,omitempty"`
}

// Roster is the fixed set of nodes sampled each tick.
type Roster []Node

type rosterFile struct {
	Nodes Roster `yaml:"nodes"`
}

// DefaultRoster is the stock deployment topology.
func DefaultRoster() Roster {
	return Roster{
		{Hostname: "frontend-backend", Address: "frontend-backend"},
		{Hostname: "rabbitmq", Address: "rabbitmq"},
		{Hostname: "java-mdb", Address: "java-mdb"},
		{Hostname: "openmpi-worker", Address: "openmpi-worker"},
		{Hostname: "nodejs-db", Address: "nodejs-db"},
	}
}

// Validate rejects empty rosters, blank hostnames and duplicates.
func (r Roster) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("roster has no nodes")
	}
	seen := make(map[string]struct{}, len(r))
	for i, n := range r {
		h := strings.TrimSpace(n.Hostname)
		if h == "" {
			return fmt.Errorf("roster node %d: hostname is required", i)
		}
		if _, dup := seen[h]; dup {
			return fmt.Errorf("roster node %d: duplicate hostname %q", i, h)
		}
		seen[h] = struct{}{}
	}
	return nil
}

// normalized returns a copy with surrounding whitespace removed from every
// hostname and address, so samples carry the names Validate checked.
func (r Roster) normalized() Roster {
	out := make(Roster, len(r))
	for i, n := range r {
		n.Hostname = strings.TrimSpace(n.Hostname)
		n.Address = strings.TrimSpace(n.Address)
		out[i] = n
	}
	return out
}

// Hostnames lists the roster's hostnames in order.
func (r Roster) Hostnames() []string {
	out := make([]string, 0, len(r))
	for _, n := range r {
		out = append(out, n.Hostname)
	}
	return out
}

// LoadRoster reads a YAML roster file:
//
//	nodes:
//	  - hostname: openmpi-worker
//	    address: 10.0.0.7
func LoadRoster(path string) (Roster, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(b)
}

// ParseRoster decodes and validates a YAML roster document.
func ParseRoster(b []byte) (Roster, error) {
	var f rosterFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	for i := range f.Nodes {
		f.Nodes[i].Hostname = strings.TrimSpace(f.Nodes[i].Hostname)
		if f.Nodes[i].Address == "" {
			f.Nodes[i].Address = f.Nodes[i].Hostname
		}
	}
	if err := f.Nodes.Validate(); err != nil {
		return nil, err
	}
	return f.Nodes, nil
}
