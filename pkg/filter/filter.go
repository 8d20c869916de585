// Package filter compiles a client's ordered include/exclude/pattern
// rules into a per-path-component tree the tree walker can consult in
// O(1) per child, plus a flat list of glob patterns (spec §4.3).
package filter

import (
	"path"
	"strings"

	"github.com/couling/hashback/pkg/protocol"
)

// Node is one path component in the compiled filter tree. Its
// EffectiveType is the filter that applies at this path if nothing more
// specific says otherwise; Children holds compiled sub-trees keyed by
// path component name.
type Node struct {
	EffectiveType protocol.FilterType
	Children      map[string]*Node

	// redundant marks a node whose effective type was pruned down to
	// match its parent's; kept only so children can still be visited
	// during pruning, never consulted after Compile returns.
	redundant bool
}

// Tree is the result of compiling a client's filters: the glob patterns
// pulled out of any pattern_exclude rules, plus the per-path tree whose
// root inherits FilterInclude.
type Tree struct {
	Patterns []string
	Root      *Node
}

// Compile builds a Tree from a client's ordered filter list.
func Compile(filters []protocol.Filter) Tree {
	root := &Node{EffectiveType: protocol.FilterInclude, Children: map[string]*Node{}}
	var patterns []string
	for _, f := range filters {
		if f.Type == protocol.FilterPatternExclude {
			patterns = append(patterns, f.Path)
			continue
		}
		if f.Path == "." {
			root.EffectiveType = f.Type
			continue
		}
		parts := splitPath(f.Path)
		node := root
		for _, component := range parts[:len(parts)-1] {
			node = node.child(component, node.EffectiveType)
		}
		leaf := parts[len(parts)-1]
		child, ok := node.Children[leaf]
		if ok {
			child.EffectiveType = f.Type
		} else {
			node.Children[leaf] = &Node{EffectiveType: f.Type, Children: map[string]*Node{}}
		}
	}
	prune(root, protocol.FilterInclude)
	return Tree{Patterns: patterns, Root: root}
}

func splitPath(p string) []string {
	p = path.Clean(p)
	return strings.Split(p, "/")
}

// child returns (creating if necessary) the named child node, inheriting
// inheritedType as its starting effective type.
func (n *Node) child(name string, inheritedType protocol.FilterType) *Node {
	if existing, ok := n.Children[name]; ok {
		return existing
	}
	created := &Node{EffectiveType: inheritedType, Children: map[string]*Node{}}
	n.Children[name] = created
	return created
}

// prune removes nodes that have no effect: bottom-up, a node whose
// effective type equals its parent's effective type is redundant; once
// redundant and childless it is dropped entirely.
func prune(n *Node, parentType protocol.FilterType) {
	if n.EffectiveType == parentType {
		n.redundant = true
	}
	for name, child := range n.Children {
		effective := n.EffectiveType
		if n.redundant {
			effective = parentType
		}
		prune(child, effective)
		if child.redundant && len(child.Children) == 0 {
			delete(n.Children, name)
		}
	}
}

// Excluded reports whether the named child at this node should be
// skipped entirely: its effective type is exclude and it has no
// included descendants (which would mean we must still walk in to find
// them).
func (n *Node) Excluded(name string) bool {
	child, ok := n.Children[name]
	if !ok {
		return n.EffectiveType == protocol.FilterExclude
	}
	if child.EffectiveType != protocol.FilterExclude {
		return false
	}
	return !hasIncludedDescendant(child)
}

func hasIncludedDescendant(n *Node) bool {
	for _, child := range n.Children {
		if child.EffectiveType == protocol.FilterInclude {
			return true
		}
		if hasIncludedDescendant(child) {
			return true
		}
	}
	return false
}

// Descend returns the sub-tree node to use when recursing into the
// named child directory. Glob patterns are not part of the node: they
// are held on Tree and apply at every depth, unlike the path tree.
func (n *Node) Descend(name string) *Node {
	if child, ok := n.Children[name]; ok {
		return child
	}
	return &Node{EffectiveType: n.EffectiveType, Children: map[string]*Node{}}
}

// MatchesPattern reports whether name matches any of the compiled glob
// patterns (applied name-by-name during enumeration, spec §4.3).
func (t Tree) MatchesPattern(name string) bool {
	for _, pattern := range t.Patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
