// Package dirdef implements the canonical serialization of a directory
// listing: the byte sequence whose SHA-256 digest is that directory's
// identity in the object store (spec §3, §4.2).
package dirdef

import (
	"bytes"
	"encoding/json"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/protocol"
)

// Canonicalize serialises a directory's children to its canonical byte
// form: a JSON object mapping name to Inode, with lexicographically
// sorted keys, UTF-8 encoded, no trailing newline.
//
// encoding/json already sorts map[string]T keys when marshalling, and
// always emits struct fields in declaration order, which is what makes
// protocol.Inode's field order part of the wire contract (spec §6).
func Canonicalize(dir protocol.Directory) ([]byte, error) {
	children := dir.Children
	if children == nil {
		children = map[string]protocol.Inode{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(children); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; the canonical form
	// must not carry one so the digest matches other implementations.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the directory's canonical bytes together with the
// digest that identifies it in the object store.
func Digest(dir protocol.Directory) (blob.Digest, []byte, error) {
	content, err := Canonicalize(dir)
	if err != nil {
		return blob.Digest{}, nil, err
	}
	return blob.Of(content), content, nil
}

// Parse decodes the canonical byte form back into a Directory.
func Parse(content []byte) (protocol.Directory, error) {
	var children map[string]protocol.Inode
	if err := json.Unmarshal(content, &children); err != nil {
		return protocol.Directory{}, err
	}
	return protocol.Directory{Children: children}, nil
}
