package collab

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncoderVersion identifies the layout of an encoded collab state.
type EncoderVersion uint64

// EncoderVersionV1 is the only layout currently written.
const EncoderVersionV1 EncoderVersion = 1

const (
	fieldEncodedVersion     protowire.Number = 1
	fieldEncodedStateVector protowire.Number = 2
	fieldEncodedDocState    protowire.Number = 3
	fieldEncodedChecksum    protowire.Number = 4
)

var (
	// ErrInvalidEncodedCollab indicates that encoded collab bytes cannot be decoded.
	ErrInvalidEncodedCollab = errors.New("collab: invalid encoded collab")
	// ErrChecksumMismatch indicates that the embedded checksum does not cover the decoded state.
	ErrChecksumMismatch = errors.New("collab: encoded collab checksum mismatch")
)

// EncodedCollab is the opaque document state persisted and served by the storage layer.
type EncodedCollab struct {
	Version     EncoderVersion
	StateVector []byte
	DocState    []byte
}

// EncodeV1 serializes the state with a trailing SHA-256 checksum.
func (encoded EncodedCollab) EncodeV1() []byte {
	var buffer []byte
	buffer = protowire.AppendTag(buffer, fieldEncodedVersion, protowire.VarintType)
	buffer = protowire.AppendVarint(buffer, uint64(EncoderVersionV1))
	buffer = protowire.AppendTag(buffer, fieldEncodedStateVector, protowire.BytesType)
	buffer = protowire.AppendBytes(buffer, encoded.StateVector)
	buffer = protowire.AppendTag(buffer, fieldEncodedDocState, protowire.BytesType)
	buffer = protowire.AppendBytes(buffer, encoded.DocState)
	buffer = protowire.AppendTag(buffer, fieldEncodedChecksum, protowire.BytesType)
	buffer = protowire.AppendBytes(buffer, encoded.checksum())
	return buffer
}

func (encoded EncodedCollab) checksum() []byte {
	hasher := sha256.New()
	hasher.Write(encoded.StateVector)
	hasher.Write(encoded.DocState)
	return hasher.Sum(nil)
}

// DecodeEncodedCollab parses bytes written by EncodeV1 and verifies the checksum.
func DecodeEncodedCollab(data []byte) (EncodedCollab, error) {
	if len(data) == 0 {
		return EncodedCollab{}, fmt.Errorf("%w: empty", ErrInvalidEncodedCollab)
	}
	var (
		encoded  EncodedCollab
		checksum []byte
	)
	for len(data) > 0 {
		number, wireType, tagLength := protowire.ConsumeTag(data)
		if tagLength < 0 {
			return EncodedCollab{}, fmt.Errorf("%w: %v", ErrInvalidEncodedCollab, protowire.ParseError(tagLength))
		}
		data = data[tagLength:]
		var valueLength int
		switch {
		case number == fieldEncodedVersion && wireType == protowire.VarintType:
			var value uint64
			value, valueLength = protowire.ConsumeVarint(data)
			encoded.Version = EncoderVersion(value)
		case number == fieldEncodedStateVector && wireType == protowire.BytesType:
			var value []byte
			value, valueLength = protowire.ConsumeBytes(data)
			encoded.StateVector = append([]byte(nil), value...)
		case number == fieldEncodedDocState && wireType == protowire.BytesType:
			var value []byte
			value, valueLength = protowire.ConsumeBytes(data)
			encoded.DocState = append([]byte(nil), value...)
		case number == fieldEncodedChecksum && wireType == protowire.BytesType:
			var value []byte
			value, valueLength = protowire.ConsumeBytes(data)
			checksum = append([]byte(nil), value...)
		default:
			valueLength = protowire.ConsumeFieldValue(number, wireType, data)
		}
		if valueLength < 0 {
			return EncodedCollab{}, fmt.Errorf("%w: %v", ErrInvalidEncodedCollab, protowire.ParseError(valueLength))
		}
		data = data[valueLength:]
	}
	if encoded.Version != EncoderVersionV1 {
		return EncodedCollab{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidEncodedCollab, encoded.Version)
	}
	if len(encoded.DocState) == 0 {
		return EncodedCollab{}, fmt.Errorf("%w: empty doc state", ErrInvalidEncodedCollab)
	}
	if !bytes.Equal(checksum, encoded.checksum()) {
		return EncodedCollab{}, ErrChecksumMismatch
	}
	return encoded, nil
}
