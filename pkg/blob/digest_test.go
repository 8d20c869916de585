package blob

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEmptyDigest(t *testing.T) {
	got := Of(nil)
	if got.String() != EmptyDigest {
		t.Fatalf("Of(nil) = %s, want %s", got, EmptyDigest)
	}
	if got != Empty() {
		t.Fatalf("Of(nil) != Empty()")
	}
}

func TestParseDigestRejectsGarbage(t *testing.T) {
	cases := []string{"", "not-hex", "abc", "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"}
	for _, c := range cases {
		if _, err := ParseDigest(c); err == nil {
			t.Errorf("ParseDigest(%q) succeeded, want error", c)
		}
	}
}

func TestHasherMatchesOf(t *testing.T) {
	content := []byte("Hello World")
	h := NewHasher()
	h.Write(content)
	if h.Sum() != Of(content) {
		t.Fatalf("Hasher and Of disagree")
	}
}

func TestOfReader(t *testing.T) {
	content := []byte("Hello World")
	got, err := OfReader(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if got != Of(content) {
		t.Fatalf("OfReader = %s, want %s", got, Of(content))
	}
}

func TestDigestJSONRoundTrip(t *testing.T) {
	d := Of([]byte("x"))
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var back Digest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != d {
		t.Fatalf("round trip mismatch: %s != %s", back, d)
	}
}

func TestZeroDigestJSONRoundTrip(t *testing.T) {
	var d Digest
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "null" {
		t.Fatalf("zero digest marshalled as %s, want null", data)
	}
	var back Digest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.IsZero() {
		t.Fatalf("round trip produced non-zero digest")
	}
}
