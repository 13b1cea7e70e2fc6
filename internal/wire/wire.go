// Package wire implements the OP_MSG/OP_QUERY framing described in
// spec.md §4.12: a 16-byte header, OP_MSG section kind 0/1 decoding,
// OP_QUERY's restricted `*.$cmd` handshake, and reply framing back to
// the client. MonoDB has no gdbx analogue for this — gdbx is an
// embedded library with no wire listener at all — so the header/section
// layout here is grounded on the request/reply helpers in the pack's
// mongo-driver reference file (x/network/wiremessage, wiremessagex),
// translated into hand-rolled encode/decode functions since that
// package is internal to the driver and not importable.
package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/monoerr"
)

// OpCode names a wire-protocol message opcode.
type OpCode int32

const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

// MsgFlag is a bit in an OP_MSG message's flags field.
type MsgFlag uint32

const (
	FlagChecksumPresent MsgFlag = 1 << 0
	FlagMoreToCome      MsgFlag = 1 << 1
	FlagExhaustAllowed  MsgFlag = 1 << 16

	// knownRequiredFlags is every flag bit in 0..15 (the "required" range
	// per spec.md §4.12) MonoDB understands; any other bit set in that
	// range must be rejected rather than silently ignored.
	knownRequiredFlags = FlagChecksumPresent | FlagMoreToCome
	requiredFlagsMask  = 0x0000FFFF
)

const headerSize = 16

// castagnoliTable is the CRC32C polynomial the checksumPresent trailer
// uses, matching the real wire protocol's checksum algorithm.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the 16-byte frame every wire message starts with.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// DecodeHeader parses just the 16-byte frame header, for callers that
// need a requestId to frame an error reply even when the body itself
// fails to decode.
func DecodeHeader(b []byte) (Header, error) {
	return decodeHeader(b)
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, monoerr.New(monoerr.CodeProtocolError, "message shorter than header")
	}
	return Header{
		MessageLength: int32(binary.LittleEndian.Uint32(b[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(b[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(b[8:12])),
		OpCode:        OpCode(int32(binary.LittleEndian.Uint32(b[12:16]))),
	}, nil
}

func (h Header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.MessageLength))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.OpCode))
	return buf
}

// Request is one decoded incoming message: the command document plus
// any section-kind-1 document sequences attached to it under their
// identifier field (spec.md §4.12).
type Request struct {
	Header  Header
	Command *bson.Document
}

// Decode parses one full wire message (header included) from b.
//
// OP_COMPRESSED is rejected outright, as MonoDB never negotiates wire
// compression (spec.md Non-goals). OP_QUERY is accepted only for the
// legacy `*.$cmd` handshake still issued by some drivers; any other
// OP_QUERY namespace is a protocol error. OP_MSG is the normal path.
func Decode(b []byte) (Request, error) {
	hdr, err := decodeHeader(b)
	if err != nil {
		return Request{}, err
	}
	body := b[headerSize:]

	switch hdr.OpCode {
	case OpCompressed:
		return Request{}, monoerr.New(monoerr.CodeProtocolError, "wire compression is not supported")
	case OpQuery:
		cmd, err := decodeQuery(body)
		if err != nil {
			return Request{}, err
		}
		return Request{Header: hdr, Command: cmd}, nil
	case OpMsg:
		cmd, err := decodeMsg(body)
		if err != nil {
			return Request{}, err
		}
		return Request{Header: hdr, Command: cmd}, nil
	default:
		return Request{}, monoerr.New(monoerr.CodeProtocolError, "unsupported opcode")
	}
}

// decodeQuery parses the legacy OP_QUERY body used only for the
// `*.$cmd` handshake: flags i32, cstring fullCollectionName, i32
// numberToSkip, i32 numberToReturn, then a single BSON document (the
// command). numberToSkip/numberToReturn are accepted but unused — the
// command router has its own cursor batching (spec.md §4.11).
func decodeQuery(body []byte) (*bson.Document, error) {
	if len(body) < 4 {
		return nil, monoerr.New(monoerr.CodeProtocolError, "OP_QUERY body too short")
	}
	rest := body[4:] // flags
	name, n, err := readCString(rest)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CodeProtocolError, "OP_QUERY malformed collection name", err)
	}
	if !isCommandNamespace(name) {
		return nil, monoerr.New(monoerr.CodeProtocolError, "OP_QUERY is only supported for the $cmd handshake")
	}
	rest = rest[n:]
	if len(rest) < 8 {
		return nil, monoerr.New(monoerr.CodeProtocolError, "OP_QUERY body too short")
	}
	rest = rest[8:] // numberToSkip, numberToReturn
	doc, err := bson.Decode(rest)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CodeProtocolError, "OP_QUERY command document malformed", err)
	}
	return doc, nil
}

func isCommandNamespace(ns string) bool {
	return len(ns) >= 5 && ns[len(ns)-5:] == ".$cmd"
}

// decodeMsg parses an OP_MSG body (spec.md §4.12): flags u32 followed
// by one or more sections. Section kind 0 is a single BSON document,
// taken as the command itself. Section kind 1 is a document sequence
// {int32 size, cstring identifier, docs…}, attached to the command
// under identifier as an array — mirroring how a real driver sends
// `documents`/`updates`/`deletes` out-of-line from the command body.
func decodeMsg(body []byte) (*bson.Document, error) {
	if len(body) < 4 {
		return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG body too short")
	}
	flags := MsgFlag(binary.LittleEndian.Uint32(body[0:4]))
	if uint32(flags)&requiredFlagsMask&^uint32(knownRequiredFlags) != 0 {
		return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG sets an unknown required flag bit")
	}
	rest := body[4:]

	if flags&FlagChecksumPresent != 0 {
		if len(rest) < 4 {
			return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG checksumPresent but no checksum trailer")
		}
		payload := rest[:len(rest)-4]
		wantChecksum := binary.LittleEndian.Uint32(rest[len(rest)-4:])
		gotChecksum := crc32.Checksum(body[:4+len(payload)], castagnoliTable)
		if gotChecksum != wantChecksum {
			return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG checksum mismatch")
		}
		rest = payload
	}

	var cmd *bson.Document
	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case 0:
			doc, n, err := decodeDocumentPrefixed(rest)
			if err != nil {
				return nil, monoerr.Wrap(monoerr.CodeProtocolError, "OP_MSG section kind 0 malformed", err)
			}
			cmd = doc
			rest = rest[n:]
		case 1:
			if len(rest) < 4 {
				return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG section kind 1 too short")
			}
			size := int(int32(binary.LittleEndian.Uint32(rest[0:4])))
			if size < 5 || size > len(rest) {
				return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG section kind 1 size out of range")
			}
			section := rest[4:size]
			ident, n, err := readCString(section)
			if err != nil {
				return nil, monoerr.Wrap(monoerr.CodeProtocolError, "OP_MSG section kind 1 identifier malformed", err)
			}
			docs := bson.NewArray()
			remaining := section[n:]
			for len(remaining) > 0 {
				doc, consumed, err := decodeDocumentPrefixed(remaining)
				if err != nil {
					return nil, monoerr.Wrap(monoerr.CodeProtocolError, "OP_MSG section kind 1 document malformed", err)
				}
				docs.Append(bson.Doc(doc))
				remaining = remaining[consumed:]
			}
			if cmd == nil {
				return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG section kind 1 before kind 0")
			}
			cmd.Set(ident, bson.Arr(docs))
			rest = rest[size:]
		default:
			return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG unknown section kind")
		}
	}
	if cmd == nil {
		return nil, monoerr.New(monoerr.CodeProtocolError, "OP_MSG carries no kind-0 command section")
	}
	return cmd, nil
}

// decodeDocumentPrefixed decodes one length-prefixed BSON document from
// the start of b, returning the document and how many bytes it
// consumed (the document's own int32 length prefix).
func decodeDocumentPrefixed(b []byte) (*bson.Document, int, error) {
	if len(b) < 4 {
		return nil, 0, monoerr.New(monoerr.CodeProtocolError, "document length prefix truncated")
	}
	size := int(int32(binary.LittleEndian.Uint32(b[0:4])))
	if size < 5 || size > len(b) {
		return nil, 0, monoerr.New(monoerr.CodeProtocolError, "document length out of range")
	}
	doc, err := bson.Decode(b[:size])
	if err != nil {
		return nil, 0, err
	}
	return doc, size, nil
}

func readCString(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1, nil
		}
	}
	return "", 0, monoerr.New(monoerr.CodeProtocolError, "unterminated cstring")
}

// EncodeReply frames reply as the wire response to req: OP_MSG section
// kind 0 if req arrived as OP_MSG, OP_REPLY (opcode 1) if req arrived
// as OP_QUERY, per spec.md §4.12.
func EncodeReply(req Request, reply *bson.Document) ([]byte, error) {
	docBytes, err := bson.Encode(reply)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CodeInternalError, "encode wire reply", err)
	}

	var body []byte
	var opCode OpCode
	switch req.Header.OpCode {
	case OpQuery:
		opCode = OpReply
		body = encodeReplyBody(docBytes)
	default:
		opCode = OpMsg
		body = encodeMsgBody(docBytes)
	}

	hdr := Header{
		MessageLength: int32(headerSize + len(body)),
		RequestID:     req.Header.RequestID + 1,
		ResponseTo:    req.Header.RequestID,
		OpCode:        opCode,
	}
	out := make([]byte, 0, headerSize+len(body))
	out = append(out, hdr.encode()...)
	out = append(out, body...)
	return out, nil
}

// encodeReplyBody builds the legacy OP_REPLY body: responseFlags i32,
// cursorID i64, startingFrom i32, numberReturned i32, then the single
// result document.
func encodeReplyBody(docBytes []byte) []byte {
	buf := make([]byte, 20, 20+len(docBytes))
	// responseFlags, cursorID, startingFrom, numberReturned all zero;
	// numberReturned is fixed at 1 since every command reply is one doc.
	binary.LittleEndian.PutUint32(buf[16:20], 1)
	return append(buf, docBytes...)
}

// encodeMsgBody builds an OP_MSG body carrying reply as a single
// kind-0 section: flags u32 (always 0 on replies — MonoDB never sets
// moreToCome or a checksum on output), kind byte, document.
func encodeMsgBody(docBytes []byte) []byte {
	buf := make([]byte, 5, 5+len(docBytes))
	buf[4] = 0 // section kind 0
	return append(buf, docBytes...)
}
