// Package topology derives the static set of GPU slots tracked for the
// cluster that the local host belongs to.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chambridge/gpudash-aggregator/internal/config"
)

// ErrUnknownHost is returned when no configured cluster claims the host.
var ErrUnknownHost = errors.New("host does not belong to a configured cluster")

// Slot identifies one GPU on one node. It is comparable and used as a map key.
type Slot struct {
	Node  string
	Index int
}

func (s Slot) String() string {
	return s.Node + "/" + strconv.Itoa(s.Index)
}

type Topology struct {
	Cluster     string
	Nodes       []string
	GPUsPerNode int

	nodeSet map[string]struct{}
}

// New builds a topology from an explicit node list.
func New(cluster string, nodes []string, gpusPerNode int) *Topology {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return &Topology{
		Cluster:     cluster,
		Nodes:       nodes,
		GPUsPerNode: gpusPerNode,
		nodeSet:     set,
	}
}

// Resolve picks the first cluster whose host prefix matches hostname and
// generates its node list.
func Resolve(hostname string, clusters []config.ClusterConfig) (*Topology, *config.ClusterConfig, error) {
	for i := range clusters {
		c := &clusters[i]
		if c.HostPrefix == "" || !strings.HasPrefix(hostname, c.HostPrefix) {
			continue
		}
		nodes, err := NodeNames(*c)
		if err != nil {
			return nil, nil, err
		}
		name := c.Name
		if name == "" {
			name = c.HostPrefix
		}
		return New(name, nodes, c.GPUsPerNode), c, nil
	}
	return nil, nil, fmt.Errorf("%s: %w", hostname, ErrUnknownHost)
}

// NodeNames expands the cluster's naming rule into an ordered node list.
func NodeNames(c config.ClusterConfig) ([]string, error) {
	switch c.Pattern {
	case config.PatternRange:
		nodes := make([]string, 0, c.RangeEnd-c.RangeStart+1)
		for n := c.RangeStart; n <= c.RangeEnd; n++ {
			nodes = append(nodes, c.NodePrefix+c.Infix+strconv.Itoa(n))
		}
		return nodes, nil
	case config.PatternRack:
		var nodes []string
		for r := c.RackStart; r <= c.RackEnd; r++ {
			for s := c.SlotStart; s <= c.SlotEnd; s++ {
				nodes = append(nodes, c.NodePrefix+strconv.Itoa(r)+c.RackSeparator+strconv.Itoa(s))
			}
		}
		return nodes, nil
	default:
		return nil, fmt.Errorf("unknown node pattern %q for cluster %s", c.Pattern, c.Name)
	}
}

// HasNode reports whether name is one of the cluster's compute nodes.
func (t *Topology) HasNode(name string) bool {
	_, ok := t.nodeSet[name]
	return ok
}

func (t *Topology) Contains(s Slot) bool {
	return t.HasNode(s.Node) && s.Index >= 0 && s.Index < t.GPUsPerNode
}

// Slots enumerates every slot, node-major then by GPU index.
func (t *Topology) Slots() []Slot {
	slots := make([]Slot, 0, len(t.Nodes)*t.GPUsPerNode)
	for _, n := range t.Nodes {
		for i := 0; i < t.GPUsPerNode; i++ {
			slots = append(slots, Slot{Node: n, Index: i})
		}
	}
	return slots
}

// Size is the number of tracked slots.
func (t *Topology) Size() int {
	return len(t.Nodes) * t.GPUsPerNode
}
