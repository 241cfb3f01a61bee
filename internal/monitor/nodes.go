package monitor

import (
	"fmt"
	"strings"
)

// LocalHost is the host used when no topology is configured
const LocalHost = "localhost"

// ArtifactSuffix is the extension of collected-log artifacts
const ArtifactSuffix = ".log"

// Node identifies one monitored peer by host and zero-based rank.
type Node struct {
	Host string `json:"host"`
	Rank int    `json:"rank"`
}

func (n Node) String() string {
	return fmt.Sprintf("%s (node %d)", n.Host, n.Rank)
}

// HostResource is one entry of the job's resource topology
type HostResource struct {
	Host  string `json:"host" yaml:"host"`
	Slots int    `json:"slots,omitempty" yaml:"slots,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Topology is the ordered list of hosts a job runs on
type Topology []HostResource

// EnumerateNodes derives the nodes to monitor from a topology snapshot.
// Ranks follow topology order. An empty topology means a single local node.
func EnumerateNodes(topo Topology) []Node {
	if len(topo) == 0 {
		return []Node{{Host: LocalHost, Rank: 0}}
	}

	nodes := make([]Node, 0, len(topo))
	for rank, res := range topo {
		nodes = append(nodes, Node{Host: res.Host, Rank: rank})
	}
	return nodes
}

// ArtifactPrefix is the file name prefix of every collected-log artifact for a node
func ArtifactPrefix(n Node) string {
	return fmt.Sprintf("host_%d_%s_temp_", n.Rank, n.Host)
}

// IsArtifactOf reports whether a file name is a collected-log artifact of the node
func IsArtifactOf(name string, n Node) bool {
	return strings.HasPrefix(name, ArtifactPrefix(n)) && strings.HasSuffix(name, ArtifactSuffix)
}
