// Package nettree holds the Network Tree: the topology loaded from
// network.json, aggregated into by the Throughput Tracker every tick,
// and read by the Bus Server and WebSocket Pub/Sub.
package nettree

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// NodeType tags a tree node's role, mirroring network.json's optional
// "type" field.
type NodeType string

const (
	NodeTypeRoot     NodeType = "root"
	NodeTypeSite     NodeType = "site"
	NodeTypeAP       NodeType = "ap"
	NodeTypeClient   NodeType = "client"
	NodeTypeUnknown  NodeType = ""
)

// Node is one site, access point, or circuit in the tree. Indices
// into the owning Tree's Nodes slice are stable for the snapshot's lifetime;
// a topology reload replaces the whole slice atomically.
type Node struct {
	Name     string
	Type     NodeType
	MaxDown  float64 // Mbps
	MaxUp    float64 // Mbps

	CurrentDownBytesPerSec uint64
	CurrentUpBytesPerSec   uint64
	CurrentRetransmits     uint64
	CakeMarks              uint64
	CakeDrops              uint64
	RTTSamples             []uint16

	Parents        []int // ancestor chain, immediate parent last, root first
	ImmediateParent int  // -1 for the root
}

// Tree is one immutable topology snapshot.
type Tree struct {
	Nodes   []Node
	byName  map[string]int
}

// IndexOf returns the node index for a name.
func (t *Tree) IndexOf(name string) (int, bool) {
	i, ok := t.byName[name]
	return i, ok
}

// AncestorsOf returns the ancestor-index chain (root-first) for name,
// satisfying pkg/shapeddevices.AncestorLookup.
func (t *Tree) AncestorsOf(name string) ([]int, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return t.Nodes[i].Parents, true
}

var active atomic.Pointer[Tree]

func init() {
	empty := &Tree{Nodes: nil, byName: map[string]int{}}
	active.Store(empty)
}

// Active returns the current snapshot. Callers must capture this
// pointer once per operation and not re-read it mid-operation.
func Active() *Tree {
	return active.Load()
}

// jsonNode mirrors network.json's shape: each node is
// {downloadBandwidthMbps, uploadBandwidthMbps, type?, children?}.
type jsonNode struct {
	DownloadBandwidthMbps float64             `json:"downloadBandwidthMbps"`
	UploadBandwidthMbps   float64             `json:"uploadBandwidthMbps"`
	Type                  string              `json:"type,omitempty"`
	Children              map[string]jsonNode `json:"children,omitempty"`
}

// Load parses path into a fresh Tree without making it active.
func Load(path string) (*Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nettree: reading %s: %w", path, err)
	}
	var root map[string]jsonNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("nettree: parsing %s: %w", path, err)
	}

	t := &Tree{byName: map[string]int{}}

	// Root of the forest gets a synthetic "root" node at index 0 so
	// every real node has at least one ancestor.
	t.Nodes = append(t.Nodes, Node{Name: "root", Type: NodeTypeRoot, ImmediateParent: -1})
	t.byName["root"] = 0

	var walk func(name string, n jsonNode, parents []int)
	walk = func(name string, n jsonNode, parents []int) {
		idx := len(t.Nodes)
		nodeType := NodeType(n.Type)
		if nodeType == "" {
			if len(n.Children) == 0 {
				nodeType = NodeTypeClient
			} else {
				nodeType = NodeTypeSite
			}
		}
		immediateParent := -1
		if len(parents) > 0 {
			immediateParent = parents[len(parents)-1]
		}
		node := Node{
			Name:            name,
			Type:            nodeType,
			MaxDown:         n.DownloadBandwidthMbps,
			MaxUp:           n.UploadBandwidthMbps,
			Parents:         append([]int{}, parents...),
			ImmediateParent: immediateParent,
		}
		t.Nodes = append(t.Nodes, node)
		t.byName[name] = idx

		childParents := append(append([]int{}, parents...), idx)
		for childName, child := range n.Children {
			walk(childName, child, childParents)
		}
	}

	for name, n := range root {
		walk(name, n, []int{0})
	}

	return t, nil
}

// Reload loads path and, on success, atomically swaps it in as
// Active. On failure the previous snapshot remains active and the
// error is returned for the caller to log.
func Reload(path string) error {
	t, err := Load(path)
	if err != nil {
		return err
	}
	active.Store(t)
	return nil
}
