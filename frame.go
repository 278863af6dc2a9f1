// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/muxrpc/archive"
)

// WireVersion is the frame format version written by this package.
const WireVersion byte = 1

const (
	// HeaderSize is the number of bytes in a frame header following the
	// length prefix: version, interface ID, method ID, correlation ID, flags.
	HeaderSize = 1 + 2 + 2 + 4 + 1

	// MaxFrameSize is the largest frame length accepted by the decoder.
	MaxFrameSize = 16 << 20
)

// Flags are the option bits carried in a frame header.
type Flags byte

const (
	FlagOneway Flags = 1 << 0 // the caller expects no reply
	FlagReply  Flags = 1 << 1 // the frame is a reply to a request
	FlagFault  Flags = 1 << 2 // the reply payload is an encoded Fault
	FlagPing   Flags = 1 << 3 // a keepalive, answered by the session itself
)

// Has reports whether all the bits of g are set in f.
func (f Flags) Has(g Flags) bool { return f&g == g }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagOneway) {
		parts = append(parts, "oneway")
	}
	if f.Has(FlagReply) {
		parts = append(parts, "reply")
	}
	if f.Has(FlagFault) {
		parts = append(parts, "fault")
	}
	if f.Has(FlagPing) {
		parts = append(parts, "ping")
	}
	if len(parts) == 0 {
		return "-"
	}
	return fmt.Sprint(parts)
}

// Frame is the parsed format of a single request or reply.
//
// On the wire a frame is encoded as:
//
//	[4-byte length][1-byte version][2-byte interface ID][2-byte method ID]
//	[4-byte correlation ID][1-byte flags][payload]
//
// All integers are big-endian. The length counts the bytes from the version
// through the end of the payload.
type Frame struct {
	Version       byte
	InterfaceID   uint16
	MethodID      uint16
	CorrelationID uint32
	Flags         Flags
	Payload       []byte
}

// Size reports the number of bytes in the encoding of f, including the length
// prefix.
func (f *Frame) Size() int { return 4 + HeaderSize + len(f.Payload) }

// Encode encodes f in binary format.
func (f *Frame) Encode() []byte {
	buf := make([]byte, 0, f.Size())
	buf = binary.BigEndian.AppendUint32(buf, uint32(HeaderSize+len(f.Payload)))
	buf = append(buf, f.Version)
	buf = binary.BigEndian.AppendUint16(buf, f.InterfaceID)
	buf = binary.BigEndian.AppendUint16(buf, f.MethodID)
	buf = binary.BigEndian.AppendUint32(buf, f.CorrelationID)
	buf = append(buf, byte(f.Flags))
	return append(buf, f.Payload...)
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	nw, err := w.Write(f.Encode())
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
//
// If r is at end of input before the frame begins, ReadFrom reports io.EOF.
// A frame that ends early, or whose length is invalid, is reported as a
// *ProtocolError.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var lbuf [4]byte
	nr, err := io.ReadFull(r, lbuf[:])
	if err == io.EOF {
		return 0, io.EOF
	} else if err != nil {
		return int64(nr), protocolError(fmt.Errorf("short frame length: %w", err))
	}
	flen := binary.BigEndian.Uint32(lbuf[:])
	if err := checkLength(flen); err != nil {
		return int64(nr), err
	}
	body := make([]byte, int(flen))
	nb, err := io.ReadFull(r, body)
	nr += nb
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return int64(nr), protocolError(fmt.Errorf("short frame (%d < %d bytes): %w", nb, flen, err))
	}
	f.parseBody(body)
	return int64(nr), nil
}

// DecodeFrame decodes a single frame from the front of buf, and reports the
// number of bytes consumed. It reports a *ProtocolError if buf does not begin
// with a complete, well-formed frame. The payload of the result aliases buf.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 4 {
		return nil, 0, protocolError(fmt.Errorf("short frame length (%d bytes): %w", len(buf), io.ErrUnexpectedEOF))
	}
	flen := binary.BigEndian.Uint32(buf)
	if err := checkLength(flen); err != nil {
		return nil, 0, err
	}
	if int64(len(buf)-4) < int64(flen) {
		return nil, 0, protocolError(fmt.Errorf("frame truncated (%d < %d bytes): %w",
			len(buf)-4, flen, io.ErrUnexpectedEOF))
	}
	f := new(Frame)
	f.parseBody(buf[4 : 4+int(flen)])
	return f, 4 + int(flen), nil
}

func checkLength(flen uint32) error {
	if flen < HeaderSize {
		return protocolError(fmt.Errorf("frame length %d below header size %d", flen, HeaderSize))
	} else if flen > MaxFrameSize {
		return protocolError(fmt.Errorf("frame length %d exceeds limit %d", flen, MaxFrameSize))
	}
	return nil
}

// parseBody populates f from a buffer holding everything after the length
// prefix. The caller must ensure len(body) ≥ HeaderSize.
func (f *Frame) parseBody(body []byte) {
	f.Version = body[0]
	f.InterfaceID = binary.BigEndian.Uint16(body[1:])
	f.MethodID = binary.BigEndian.Uint16(body[3:])
	f.CorrelationID = binary.BigEndian.Uint32(body[5:])
	f.Flags = Flags(body[9])
	if len(body) > HeaderSize {
		f.Payload = body[HeaderSize:]
	} else {
		f.Payload = nil
	}
}

// CheckVersion reports a *VersionError if f has a version this package cannot
// interpret. The header fields of such a frame are still valid, so the
// receiver can report the failure to the sender.
func (f *Frame) CheckVersion() error {
	if f.Version != WireVersion {
		return &archive.VersionError{Got: f.Version, Accept: []byte{WireVersion}}
	}
	return nil
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	var data string
	if f.Flags.Has(FlagFault) {
		var ft Fault
		if ft.UnmarshalBinary(f.Payload) == nil {
			data = ft.String()
		}
	}
	if data == "" {
		if len(f.Payload) > 16 {
			data = fmt.Sprintf("Data=%+v ...", f.Payload[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", f.Payload)
		}
	}
	return fmt.Sprintf("Frame(v%d, %d.%d, ID=%d, %v, %s)",
		f.Version, f.InterfaceID, f.MethodID, f.CorrelationID, f.Flags, data)
}

// FaultKind classifies the failure reported by a fault reply.
type FaultKind byte

const (
	FaultApplication   FaultKind = 1 // the handler reported an error
	FaultVersion       FaultKind = 2 // the request version was not accepted
	FaultUnknownMethod FaultKind = 3 // no handler for the requested method
	FaultProtocol      FaultKind = 4 // the request was malformed (e.g., duplicate ID)
	FaultShutdown      FaultKind = 5 // the server rejected the call while shutting down

	maxFaultKind = FaultShutdown
)

func (k FaultKind) String() string {
	switch k {
	case FaultApplication:
		return "APPLICATION"
	case FaultVersion:
		return "VERSION"
	case FaultUnknownMethod:
		return "UNKNOWN_METHOD"
	case FaultProtocol:
		return "PROTOCOL"
	case FaultShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("fault kind %d", byte(k))
	}
}

// faultVersion is the archive version of an encoded Fault.
const faultVersion = 1

// Fault is the payload format of a fault reply.
type Fault struct {
	Kind    FaultKind
	Code    uint16 // application-defined, for FaultApplication
	Message string
	Data    []byte // application-defined auxiliary data
}

// MarshalArchive implements archive.Marshaler.
func (f Fault) MarshalArchive(w *archive.Writer) {
	w.Uint8(byte(f.Kind))
	w.Uint16(f.Code)
	w.String(truncate(f.Message, 65535))
	w.Bytes(f.Data)
}

// UnmarshalArchive implements archive.Unmarshaler.
func (f *Fault) UnmarshalArchive(r *archive.Reader) error {
	kind, err := r.Uint8()
	if err != nil {
		return err
	} else if kind == 0 || FaultKind(kind) > maxFaultKind {
		return fmt.Errorf("invalid fault kind %d", kind)
	}
	f.Kind = FaultKind(kind)
	if f.Code, err = r.Uint16(); err != nil {
		return err
	}
	if f.Message, err = r.String(); err != nil {
		return err
	}
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	f.Data = bytes.Clone(data)
	if len(f.Data) == 0 {
		f.Data = nil
	}
	return nil
}

// Encode encodes the fault in binary format.
func (f Fault) Encode() []byte {
	w := archive.NewWriter(faultVersion)
	f.MarshalArchive(w)
	return w.Encoded()
}

// UnmarshalBinary decodes data into a fault. It implements
// encoding.BinaryUnmarshaler.
func (f *Fault) UnmarshalBinary(data []byte) error {
	r, err := archive.NewReader(data, faultVersion)
	if err != nil {
		return err
	}
	if err := f.UnmarshalArchive(r); err != nil {
		return err
	}
	return r.Done()
}

// String returns a human-friendly rendering of the fault.
func (f Fault) String() string {
	return fmt.Sprintf("Fault(%v, Code=%d, %q, [%d bytes])", f.Kind, f.Code, f.Message, len(f.Data))
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// A FrameLogger logs a frame exchanged with the remote end.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	*Frame      // the frame being logged
	Sent   bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	if f.Sent {
		return "send " + f.Frame.String()
	}
	return "recv " + f.Frame.String()
}
