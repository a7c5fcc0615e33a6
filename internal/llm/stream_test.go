package llm

import (
	"math/rand"
	"reflect"
	"testing"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"abc"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"},{"type":"tool_use","name":"Bash","input":{}},{"type":"text","text":", world"}]}}

   {"type":"content_block_delta","delta":{"type":"text_delta","text":"é!"}}
warning: not json at all
{"type":"assistant","message":{"content":"plain string content"}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read"}]}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":""}}
{"type":"result","subtype":"success","result":"Hello, world"}
42
{"type":"assistant","message":{"content":"trailing"}}`

var sampleFragments = []string{
	"Hello, world",
	"é!",
	"warning: not json at all",
	"plain string content",
	"trailing",
}

func decodeChunks(chunks [][]byte) []string {
	var d StreamDecoder
	var out []string
	for _, c := range chunks {
		out = append(out, d.Write(c)...)
	}
	return append(out, d.Flush()...)
}

func TestStreamDecoder_Sample(t *testing.T) {
	got := decodeChunks([][]byte{[]byte(sampleStream)})
	if !reflect.DeepEqual(got, sampleFragments) {
		t.Fatalf("fragments = %q, want %q", got, sampleFragments)
	}
}

func TestStreamDecoder_ChunkBoundaryInvariant(t *testing.T) {
	data := []byte(sampleStream)

	// Every single split point, including ones inside multi-byte runes.
	for i := 0; i <= len(data); i++ {
		got := decodeChunks([][]byte{data[:i], data[i:]})
		if !reflect.DeepEqual(got, sampleFragments) {
			t.Fatalf("split at %d: fragments = %q, want %q", i, got, sampleFragments)
		}
	}

	// Byte at a time.
	var single [][]byte
	for i := range data {
		single = append(single, data[i:i+1])
	}
	if got := decodeChunks(single); !reflect.DeepEqual(got, sampleFragments) {
		t.Fatalf("byte-wise fragments = %q, want %q", got, sampleFragments)
	}

	// Random splits.
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n++ {
		var chunks [][]byte
		for rest := data; len(rest) > 0; {
			k := 1 + rng.Intn(64)
			if k > len(rest) {
				k = len(rest)
			}
			chunks = append(chunks, rest[:k])
			rest = rest[k:]
		}
		if got := decodeChunks(chunks); !reflect.DeepEqual(got, sampleFragments) {
			t.Fatalf("random split %d: fragments = %q, want %q", n, got, sampleFragments)
		}
	}
}

func TestStreamDecoder_ResultEventsSuppressed(t *testing.T) {
	got := decodeChunks([][]byte{[]byte(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"answer"}]}}` + "\n" +
			`{"type":"result","result":"answer"}` + "\n")})
	if !reflect.DeepEqual(got, []string{"answer"}) {
		t.Fatalf("fragments = %q, want [answer]", got)
	}
}

func TestStreamDecoder_WriteWithoutNewlineHoldsLine(t *testing.T) {
	var d StreamDecoder
	if got := d.Write([]byte(`{"type":"assistant","message":{"content":"par`)); len(got) != 0 {
		t.Fatalf("Write = %q, want nothing before newline", got)
	}
	if got := d.Write([]byte(`tial"}}` + "\r\n")); !reflect.DeepEqual(got, []string{"partial"}) {
		t.Fatalf("Write = %q, want [partial]", got)
	}
	if got := d.Flush(); len(got) != 0 {
		t.Fatalf("Flush = %q, want nothing", got)
	}
}

func TestStreamDecoder_FlushTrailingText(t *testing.T) {
	var d StreamDecoder
	d.Write([]byte("  unterminated diagnostic  "))
	if got := d.Flush(); !reflect.DeepEqual(got, []string{"unterminated diagnostic"}) {
		t.Fatalf("Flush = %q, want [unterminated diagnostic]", got)
	}
	if got := d.Flush(); len(got) != 0 {
		t.Fatalf("second Flush = %q, want nothing", got)
	}
}
