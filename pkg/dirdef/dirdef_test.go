package dirdef

import (
	"testing"

	"github.com/couling/hashback/pkg/protocol"
)

func TestEmptyDirectoryDigest(t *testing.T) {
	const want = "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	digest, content, err := Digest(protocol.Directory{})
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "{}" {
		t.Fatalf("canonical bytes = %q, want %q", content, "{}")
	}
	if digest.String() != want {
		t.Fatalf("digest = %s, want %s", digest, want)
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	dir := protocol.Directory{Children: map[string]protocol.Inode{
		"b.txt": {Type: protocol.FileRegular, Size: 1},
		"a.txt": {Type: protocol.FileRegular, Size: 2},
	}}
	d1, c1, err := Digest(dir)
	if err != nil {
		t.Fatal(err)
	}
	d2, c2, err := Digest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 || string(c1) != string(c2) {
		t.Fatalf("digest not deterministic across calls")
	}
}

func TestParseRoundTrip(t *testing.T) {
	dir := protocol.Directory{Children: map[string]protocol.Inode{
		"file": {Type: protocol.FileRegular, Size: 5},
	}}
	_, content, err := Digest(dir)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(content)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Children) != 1 {
		t.Fatalf("parsed %d children, want 1", len(parsed.Children))
	}
}
