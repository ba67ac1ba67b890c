// Package remote implements the network protocol a qudicore process uses to
// export its allow_remote modules to other processes, and to consume
// modules exported by them: a single persistent RPC channel per peer,
// length-prefixed JSON frames, six operations (list-remotable, acquire,
// release, call, get_attr, set_attr).
package remote

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Op names one of the six RPC operations a frame carries.
type Op string

const (
	OpListRemotable Op = "list-remotable"
	OpAcquire       Op = "acquire"
	OpRelease       Op = "release"
	OpCall          Op = "call"
	OpGetAttr       Op = "get_attr"
	OpSetAttr       Op = "set_attr"
)

// maxFrameSize bounds a single frame so a misbehaving or hostile peer can't
// make a length prefix request an unbounded allocation.
const maxFrameSize = 64 << 20

// Request is one client-to-server frame.
type Request struct {
	ID     uint64 `json:"id"`
	Op     Op     `json:"op"`
	Module string `json:"module,omitempty"`
	Handle uint64 `json:"handle,omitempty"`
	Attr   string `json:"attr,omitempty"`
	Args   []any  `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// Response is one server-to-client frame, correlated to its Request by ID.
type Response struct {
	ID      uint64     `json:"id"`
	Handle  uint64     `json:"handle,omitempty"`
	Result  any        `json:"result,omitempty"`
	Modules []string   `json:"modules,omitempty"`
	Err     *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries a server-side failure back across the wire with enough
// structure for the client to re-raise it as a typed, "remote"-tagged error
// rather than a flattened string.
type ErrorInfo struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// frameWriter and frameReader carry length-prefixed JSON frames over any
// io.Reader/io.Writer: one connection stays open and multiplexes many
// in-flight requests on it by ID, rather than a new connection per call.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter { return &frameWriter{w: w} }

func (fw *frameWriter) writeFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remote: encoding frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("remote: frame of %d bytes exceeds limit %d", len(payload), maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(payload)
	return err
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader { return &frameReader{r: bufio.NewReader(r)} }

func (fr *frameReader) readFrame(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("remote: incoming frame of %d bytes exceeds limit %d", size, maxFrameSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
