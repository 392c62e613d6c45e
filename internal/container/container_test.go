package container

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteChunk(MagicProcMaps, []byte("400000-401000 r-xp 0 0:0 0 a.out\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteChunk(MagicFuntrace, EncodeFuntrace(2_400_000_000)); err != nil {
		t.Fatal(err)
	}
	tid := ThreadID{PID: 100, TID: 101, Name: "worker"}
	if err := w.WriteChunk(MagicThreadID, tid.Encode()); err != nil {
		t.Fatal(err)
	}
	eventBytes := make([]byte, 16)
	if err := w.WriteChunk(MagicTraceBuf, eventBytes); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteChunk(MagicEndTrace, nil); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	chunks, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 5 {
		t.Fatalf("want 5 chunks, got %d", len(chunks))
	}
	if chunks[0].Magic != MagicProcMaps {
		t.Fatalf("want PROCMAPS first, got %v", chunks[0].Magic)
	}
	hz, err := DecodeFuntrace(chunks[1].Payload)
	if err != nil || hz != 2_400_000_000 {
		t.Fatalf("bad FUNTRACE payload: %v %v", hz, err)
	}
	gotTID, err := DecodeThreadID(chunks[2].Payload)
	if err != nil || gotTID != tid {
		t.Fatalf("want %+v, got %+v (%v)", tid, gotTID, err)
	}
	if len(chunks[3].Payload)%16 != 0 {
		t.Fatalf("TRACEBUF payload must be a whole number of 16-byte events")
	}
	if chunks[4].Magic != MagicEndTrace {
		t.Fatalf("want ENDTRACE last, got %v", chunks[4].Magic)
	}
}

func TestReadChunkEOFAtCleanBoundary(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.ReadChunk()
	if err != io.EOF {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestRejectsShortMagic(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteChunk("SHORT", nil); err == nil {
		t.Fatalf("expected error for non-8-byte magic")
	}
}
