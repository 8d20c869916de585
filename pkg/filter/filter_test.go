package filter

import (
	"testing"

	"github.com/couling/hashback/pkg/protocol"
)

func TestCompileRootFilter(t *testing.T) {
	tree := Compile([]protocol.Filter{{Type: protocol.FilterExclude, Path: "."}})
	if tree.Root.EffectiveType != protocol.FilterExclude {
		t.Fatalf("root effective type = %s, want exclude", tree.Root.EffectiveType)
	}
}

func TestExcludedSubdirectory(t *testing.T) {
	tree := Compile([]protocol.Filter{
		{Type: protocol.FilterExclude, Path: "node_modules"},
	})
	if !tree.Root.Excluded("node_modules") {
		t.Fatalf("node_modules should be excluded")
	}
	if tree.Root.Excluded("src") {
		t.Fatalf("src should not be excluded")
	}
}

func TestIncludedDescendantPreventsExclusion(t *testing.T) {
	tree := Compile([]protocol.Filter{
		{Type: protocol.FilterExclude, Path: "build"},
		{Type: protocol.FilterInclude, Path: "build/keep"},
	})
	if tree.Root.Excluded("build") {
		t.Fatalf("build should still be walked because build/keep is included")
	}
	sub := tree.Root.Descend("build")
	if sub.Excluded("other") != true {
		t.Fatalf("build/other should be excluded")
	}
	if sub.Excluded("keep") {
		t.Fatalf("build/keep should be included")
	}
}

func TestPruneRedundantFilters(t *testing.T) {
	tree := Compile([]protocol.Filter{
		{Type: protocol.FilterExclude, Path: "a"},
		{Type: protocol.FilterExclude, Path: "a/b"},
	})
	sub := tree.Root.Descend("a")
	if len(sub.Children) != 0 {
		t.Fatalf("redundant nested exclude under an excluded dir should be pruned, got %d children", len(sub.Children))
	}
}

func TestPatternMatching(t *testing.T) {
	tree := Compile([]protocol.Filter{
		{Type: protocol.FilterPatternExclude, Path: "*.tmp"},
	})
	if !tree.MatchesPattern("foo.tmp") {
		t.Fatalf("foo.tmp should match *.tmp")
	}
	if tree.MatchesPattern("foo.txt") {
		t.Fatalf("foo.txt should not match *.tmp")
	}
}
