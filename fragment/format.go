package fragment

import (
	"fmt"
	"hash/crc32"

	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/setsum"
	"github.com/wkalt/walrus/util"
)

/*
Fragment files hold a contiguous run of messages. The format is:

    Magic: 6 bytes (walrus)
    Version: 2 bytes (major, minor)
    [Record]*
    Trailer

Where each Record is:
    Type: 1 byte (message)
    Length: 8 bytes
    Offset: 8 bytes
    Timestamp: 8 bytes
    Data: [Length - 16]byte
    CRC32: 4 bytes

and the Trailer is:
    Type: 1 byte (trailer)
    Length: 8 bytes (40)
    Count: 8 bytes
    Setsum: 32 bytes
    CRC32: 4 bytes

CRCs are computed over all preceding bytes of the record, including the type.
The trailer setsum aggregates each message as offset (8 bytes, little endian)
followed by the message payload, which is also the item every higher-level
setsum in the system is denominated in.
*/

////////////////////////////////////////////////////////////////////////////////

// Magic is the magic number for fragment files.
var Magic = []byte{'w', 'a', 'l', 'r', 'u', 's'} // nolint:gochecknoglobals

const (
	currentMajor = uint8(0)
	currentMinor = uint8(1)
)

// RecordType distinguishes fragment file records.
type RecordType uint8

const (
	// RecordMessage is a single appended message.
	RecordMessage RecordType = 1
	// RecordTrailer terminates the file with the fragment's setsum.
	RecordTrailer RecordType = 2
)

const (
	recordHeaderLen = 1 + 8
	messageMetaLen  = 8 + 8
	trailerBodyLen  = 8 + setsum.Size
)

// Message is one appended message and its durable position.
type Message struct {
	Position manifest.Position
	Data     []byte
}

// Item returns the setsum item identifying this message: its offset followed
// by its payload. Identical payloads at different offsets are distinct items.
func Item(offset uint64, data []byte) []byte {
	item := make([]byte, 8+len(data))
	util.U64(item, offset)
	copy(item[8:], data)
	return item
}

// Encode serializes a batch of payloads into a fragment file. Offsets are
// assigned contiguously from base and all messages share base's timestamp.
// It returns the file bytes, the fragment setsum, and the limit position.
func Encode(base manifest.Position, payloads [][]byte) ([]byte, setsum.Setsum, manifest.Position) {
	size := len(Magic) + 2
	for _, payload := range payloads {
		size += recordHeaderLen + messageMetaLen + len(payload) + 4
	}
	size += recordHeaderLen + trailerBodyLen + 4

	buf := make([]byte, size)
	offset := copy(buf, Magic)
	offset += util.U8(buf[offset:], currentMajor)
	offset += util.U8(buf[offset:], currentMinor)

	sum := setsum.Setsum{}
	for i, payload := range payloads {
		msgOffset := base.Offset + uint64(i)
		sum = sum.Insert(Item(msgOffset, payload))
		start := offset
		offset += util.U8(buf[offset:], uint8(RecordMessage))
		offset += util.U64(buf[offset:], uint64(messageMetaLen+len(payload)))
		offset += util.U64(buf[offset:], msgOffset)
		offset += util.U64(buf[offset:], base.Timestamp)
		offset += copy(buf[offset:], payload)
		offset += util.U32(buf[offset:], crc32.ChecksumIEEE(buf[start:offset]))
	}

	start := offset
	offset += util.U8(buf[offset:], uint8(RecordTrailer))
	offset += util.U64(buf[offset:], uint64(trailerBodyLen))
	offset += util.U64(buf[offset:], uint64(len(payloads)))
	digest := sum.Digest()
	offset += copy(buf[offset:], digest[:])
	util.U32(buf[offset:], crc32.ChecksumIEEE(buf[start:offset]))

	limit := manifest.Position{Offset: base.Offset + uint64(len(payloads)), Timestamp: base.Timestamp}
	return buf, sum, limit
}

// Decode parses a fragment file, verifying record CRCs and reconciling the
// trailer setsum against the decoded messages.
func Decode(data []byte) ([]Message, setsum.Setsum, error) {
	if len(data) < len(Magic)+2 {
		return nil, setsum.Setsum{}, ErrTruncated
	}
	for i, b := range Magic {
		if data[i] != b {
			return nil, setsum.Setsum{}, ErrBadMagic
		}
	}
	var major, minor uint8
	pos := len(Magic)
	pos += util.ReadU8(data[pos:], &major)
	pos += util.ReadU8(data[pos:], &minor)
	if major != currentMajor {
		return nil, setsum.Setsum{}, UnsupportedVersionError{major, minor}
	}

	messages := []Message{}
	sum := setsum.Setsum{}
	for {
		if pos == len(data) {
			return nil, setsum.Setsum{}, ErrMissingTrailer
		}
		if len(data)-pos < recordHeaderLen {
			return nil, setsum.Setsum{}, ErrTruncated
		}
		start := pos
		var rectype uint8
		var length uint64
		pos += util.ReadU8(data[pos:], &rectype)
		pos += util.ReadU64(data[pos:], &length)
		if uint64(len(data)-pos) < length+4 {
			return nil, setsum.Setsum{}, ErrTruncated
		}
		body := data[pos : pos+int(length)]
		pos += int(length)
		var crc uint32
		pos += util.ReadU32(data[pos:], &crc)
		if computed := crc32.ChecksumIEEE(data[start : pos-4]); computed != crc {
			return nil, setsum.Setsum{}, CRCMismatchError{crc, computed}
		}
		switch RecordType(rectype) {
		case RecordMessage:
			if length < messageMetaLen {
				return nil, setsum.Setsum{}, ErrTruncated
			}
			var msgOffset, timestamp uint64
			n := util.ReadU64(body, &msgOffset)
			n += util.ReadU64(body[n:], &timestamp)
			payload := body[n:]
			sum = sum.Insert(Item(msgOffset, payload))
			messages = append(messages, Message{
				Position: manifest.Position{Offset: msgOffset, Timestamp: timestamp},
				Data:     payload,
			})
		case RecordTrailer:
			if length != trailerBodyLen {
				return nil, setsum.Setsum{}, ErrTruncated
			}
			var count uint64
			n := util.ReadU64(body, &count)
			var digest [setsum.Size]byte
			copy(digest[:], body[n:])
			declared, err := setsum.FromDigest(digest)
			if err != nil {
				return nil, setsum.Setsum{}, fmt.Errorf("failed to parse trailer setsum: %w", err)
			}
			if count != uint64(len(messages)) {
				return nil, setsum.Setsum{}, fmt.Errorf(
					"trailer declares %d messages, decoded %d", count, len(messages))
			}
			if !declared.Equal(sum) {
				return nil, setsum.Setsum{}, manifest.IntegrityError{
					Context:  "fragment",
					Expected: declared.Hexdigest(),
					Actual:   sum.Hexdigest(),
				}
			}
			if pos != len(data) {
				return nil, setsum.Setsum{}, fmt.Errorf("%d trailing bytes after trailer", len(data)-pos)
			}
			return messages, sum, nil
		default:
			return nil, setsum.Setsum{}, fmt.Errorf("unknown record type %d", rectype)
		}
	}
}
