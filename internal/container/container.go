// Package container implements the tagged-chunk file format from
// spec.md §4.E/§6: a sequence of {8-byte magic, 8-byte length, payload}
// records making up one funtrace snapshot.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic values, each exactly 8 bytes as the format requires.
const (
	MagicProcMaps  = "PROCMAPS"
	MagicFuntrace  = "FUNTRACE"
	MagicCmdLine   = "CMD LINE"
	MagicThreadID  = "THREADID"
	MagicTraceBuf  = "TRACEBUF"
	MagicFtraceTx  = "FTRACETX"
	MagicEndTrace  = "ENDTRACE"
	magicLen       = 8
	lengthFieldLen = 8
)

// Writer emits chunks to an underlying io.Writer in the order spec.md §6
// requires: PROCMAPS, then FUNTRACE, then THREADID/TRACEBUF pairs in any
// order, then optionally FTRACETX, then ENDTRACE.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteChunk writes one {magic, length, payload} record. magic must be
// exactly 8 bytes.
func (cw *Writer) WriteChunk(magic string, payload []byte) error {
	if len(magic) != magicLen {
		return fmt.Errorf("container: magic %q is not %d bytes", magic, magicLen)
	}
	if _, err := io.WriteString(cw.w, magic); err != nil {
		return err
	}
	var lenBuf [lengthFieldLen]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := cw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := cw.w.Write(payload)
	return err
}

// ThreadID is the decoded payload of a THREADID chunk.
type ThreadID struct {
	PID  uint64
	TID  uint64
	Name string // truncated/padded to 16 bytes on the wire
}

// Encode serializes a ThreadID to its 32-byte wire form: 8-byte pid,
// 8-byte tid, 16-byte null-padded name.
func (t ThreadID) Encode() []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint64(b[0:8], t.PID)
	binary.LittleEndian.PutUint64(b[8:16], t.TID)
	name := t.Name
	if len(name) > 16 {
		name = name[:16]
	}
	copy(b[16:32], name)
	return b
}

// DecodeThreadID parses the 32-byte THREADID payload.
func DecodeThreadID(b []byte) (ThreadID, error) {
	if len(b) != 32 {
		return ThreadID{}, fmt.Errorf("container: THREADID payload is %d bytes, want 32", len(b))
	}
	name := bytes.TrimRight(b[16:32], "\x00")
	return ThreadID{
		PID:  binary.LittleEndian.Uint64(b[0:8]),
		TID:  binary.LittleEndian.Uint64(b[8:16]),
		Name: string(name),
	}, nil
}

// EncodeFuntrace serializes the FUNTRACE chunk payload: 8-byte
// cycles-per-second.
func EncodeFuntrace(cyclesPerSecond uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, cyclesPerSecond)
	return b
}

// DecodeFuntrace parses the FUNTRACE chunk payload.
func DecodeFuntrace(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("container: FUNTRACE payload is %d bytes, want 8", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Chunk is one decoded {magic, payload} record.
type Chunk struct {
	Magic   string
	Payload []byte
}

// Reader decodes a stream of chunks.
type Reader struct {
	r io.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadChunk reads the next chunk, or returns io.EOF when the stream ends
// cleanly between chunks.
func (cr *Reader) ReadChunk() (Chunk, error) {
	var magic [magicLen]byte
	if _, err := io.ReadFull(cr.r, magic[:]); err != nil {
		return Chunk{}, err
	}
	var lenBuf [lengthFieldLen]byte
	if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
		return Chunk{}, err
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(cr.r, payload); err != nil {
			return Chunk{}, err
		}
	}
	return Chunk{Magic: string(magic[:]), Payload: payload}, nil
}

// ReadAll reads chunks until io.EOF or ENDTRACE, whichever comes first.
func (cr *Reader) ReadAll() ([]Chunk, error) {
	var chunks []Chunk
	for {
		c, err := cr.ReadChunk()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
		if c.Magic == MagicEndTrace {
			return chunks, nil
		}
	}
}
