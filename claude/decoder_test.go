package claude

import (
	"reflect"
	"strings"
	"testing"
)

func collect(opts DecoderOptions) (*Decoder, *[]Chunk) {
	var got []Chunk
	opts.Logger = testLogger()
	return NewDecoder(func(c Chunk) { got = append(got, c) }, opts), &got
}

func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"héllo wörld ✓ 日本語"}]}}`,
		`{"type":"result","subtype":"success","session_id":"s1","total_cost_usd":0.5,"duration_ms":2000}`,
		`plain banner with ünïcode`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{}}]}}`,
	}

	for _, line := range lines {
		whole, wholeChunks := collect(DecoderOptions{})
		whole.Feed([]byte(line + "\n"))

		for k := 0; k <= len(line); k++ {
			split, splitChunks := collect(DecoderOptions{})
			split.Feed([]byte(line[:k]))
			split.Feed([]byte(line[k:] + "\n"))

			if !reflect.DeepEqual(*wholeChunks, *splitChunks) {
				t.Fatalf("split at %d of %q: got %+v, want %+v", k, line, *splitChunks, *wholeChunks)
			}
			if split.Buffered() != 0 {
				t.Fatalf("split at %d left %d bytes buffered", k, split.Buffered())
			}
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}` + "\n" +
		"banner\r\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}` + "\n"

	dec, got := collect(DecoderOptions{})
	for i := 0; i < len(input); i++ {
		dec.Feed([]byte{input[i]})
	}

	var contents []string
	for _, c := range *got {
		contents = append(contents, c.Content)
	}
	want := []string{"one", "banner", "two"}
	if !reflect.DeepEqual(contents, want) {
		t.Errorf("got %q, want %q", contents, want)
	}
}

func TestDecoder_MultipleLinesInOneFragment(t *testing.T) {
	dec, got := collect(DecoderOptions{})
	n := dec.Feed([]byte("a\nb\n\nc"))

	if n != 2 || len(*got) != 2 {
		t.Fatalf("expected 2 chunks, got %d (%+v)", n, *got)
	}
	if dec.Buffered() != 1 {
		t.Errorf("expected partial line 'c' buffered, got %d bytes", dec.Buffered())
	}

	if n := dec.Flush(); n != 1 {
		t.Fatalf("Flush() = %d, want 1", n)
	}
	if (*got)[2].Content != "c" {
		t.Errorf("unexpected flushed chunk %+v", (*got)[2])
	}
	if dec.Flush() != 0 {
		t.Error("second Flush should produce nothing")
	}
}

func TestDecoder_FilterHook(t *testing.T) {
	dec, got := collect(DecoderOptions{
		Filter: func(line string) string {
			if strings.HasPrefix(line, "noise") {
				return ""
			}
			return strings.ToUpper(line)
		},
	})
	dec.Feed([]byte("noise line\nkeep me\n"))

	if len(*got) != 1 || (*got)[0].Content != "KEEP ME" {
		t.Errorf("unexpected chunks %+v", *got)
	}
}

func TestDecoder_OversizeLineIsSpilled(t *testing.T) {
	dec, got := collect(DecoderOptions{MaxLineLength: 8})

	dec.Feed([]byte("abcdefghij"))
	if len(*got) != 1 || (*got)[0].Content != "abcdefghij" {
		t.Fatalf("expected oversize line spilled, got %+v", *got)
	}
	if dec.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", dec.Buffered())
	}
}

func TestDecoder_OversizeJSONLineIsDiscarded(t *testing.T) {
	dec, got := collect(DecoderOptions{MaxLineLength: 64})

	line := `{"type":"user","message":{"content":[{"type":"tool_result","content":"` +
		strings.Repeat("x", 200) + `"}]}}`
	dec.Feed([]byte(line[:100]))
	dec.Feed([]byte(line[100:] + "\n"))
	if len(*got) != 0 {
		t.Fatalf("tool result line produced chunks %+v", *got)
	}
	if dec.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", dec.Buffered())
	}

	// The next line is decoded normally.
	dec.Feed([]byte("after\n"))
	if len(*got) != 1 || (*got)[0].Content != "after" {
		t.Errorf("unexpected chunks %+v", *got)
	}
}

func TestDecoder_OversizeJSONTailInSameFragment(t *testing.T) {
	dec, got := collect(DecoderOptions{MaxLineLength: 16})

	dec.Feed([]byte(`{"type":"user","pad":"` + strings.Repeat("y", 40)))
	dec.Feed([]byte(strings.Repeat("y", 40) + "\"}\nnext line\n"))
	if len(*got) != 1 || (*got)[0].Type != ChunkTypePassthrough || (*got)[0].Content != "next line" {
		t.Fatalf("unexpected chunks %+v", *got)
	}
}

func TestDecoder_FlushWhileDiscarding(t *testing.T) {
	dec, got := collect(DecoderOptions{MaxLineLength: 8})

	dec.Feed([]byte(`{"type":"assistant","message"`))
	if n := dec.Flush(); n != 0 || len(*got) != 0 {
		t.Fatalf("expected nothing from a discarded line, got %+v", *got)
	}
	dec.Feed([]byte("ok\n"))
	if len(*got) != 1 || (*got)[0].Content != "ok" {
		t.Errorf("unexpected chunks %+v", *got)
	}
}

func TestDecoder_OversizeKeepsIncompleteRune(t *testing.T) {
	dec, got := collect(DecoderOptions{MaxLineLength: 8})

	// "✓" is three bytes; feed the first two after nine ASCII bytes.
	check := []byte("✓")
	dec.Feed(append([]byte("123456789"), check[:2]...))
	if len(*got) != 1 || (*got)[0].Content != "123456789" {
		t.Fatalf("unexpected chunks %+v", *got)
	}
	if dec.Buffered() != 2 {
		t.Fatalf("expected 2 bytes held back, got %d", dec.Buffered())
	}

	dec.Feed(append(check[2:], '\n'))
	if len(*got) != 2 || (*got)[1].Content != "✓" {
		t.Errorf("unexpected chunks %+v", *got)
	}
}
