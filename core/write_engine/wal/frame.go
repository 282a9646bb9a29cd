package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Offset is the position of a frame in the log. Offsets start at 1 and are
// gapless.
type Offset = uint64

// Frame is one logged statement. Frames between two commit frames form
// exactly one committed transaction.
type Frame struct {
	Offset Offset `msgpack:"offset"`
	PageNo uint32 `msgpack:"page_no"` // 1-based ordinal of the statement within its transaction
	Data   []byte `msgpack:"data"`    // msgpack-encoded Payload
	Commit bool   `msgpack:"commit"`  // last frame of its transaction
}

// Payload is the statement a frame replays.
type Payload struct {
	SQL    string `msgpack:"sql"`
	Params []any  `msgpack:"params"`
}

// EncodePayload serializes a payload for a frame's Data.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wal payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a frame's Data.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode wal payload: %w", err)
	}
	return p, nil
}

// On-disk record layout, little endian:
//
//	[4 body length][4 crc32(body)][8 offset][4 page no][1 commit][data...]
const (
	recordHeaderSize = 4 + 4
	frameFixedSize   = 8 + 4 + 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeRecord appends the on-disk form of f to buf.
func encodeRecord(buf *bytes.Buffer, f Frame) {
	bodyLen := frameFixedSize + len(f.Data)
	body := make([]byte, bodyLen)
	binary.LittleEndian.PutUint64(body[0:8], f.Offset)
	binary.LittleEndian.PutUint32(body[8:12], f.PageNo)
	if f.Commit {
		body[12] = 1
	}
	copy(body[frameFixedSize:], f.Data)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(bodyLen))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(body, crcTable))
	buf.Write(header[:])
	buf.Write(body)
}

// decodeRecord reads one record from a file with remaining bytes left. It
// returns io.EOF at a clean end and io.ErrUnexpectedEOF or ErrCorruptRecord
// for a torn or damaged record.
func decodeRecord(r io.Reader, remaining int64) (Frame, int64, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, 0, err
	}
	bodyLen := binary.LittleEndian.Uint32(header[0:4])
	// A damaged length must not size the allocation below.
	if bodyLen < frameFixedSize || int64(bodyLen) > remaining-recordHeaderSize {
		return Frame{}, 0, errCorrupt
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, 0, err
	}
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(header[4:8]) {
		return Frame{}, 0, errCorrupt
	}

	f := Frame{
		Offset: binary.LittleEndian.Uint64(body[0:8]),
		PageNo: binary.LittleEndian.Uint32(body[8:12]),
		Commit: body[12] == 1,
		Data:   body[frameFixedSize:],
	}
	return f, int64(recordHeaderSize) + int64(bodyLen), nil
}
