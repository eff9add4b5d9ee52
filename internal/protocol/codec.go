package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrShortFrame  = errors.New("frame too short")
	ErrVersion     = errors.New("unsupported frame version")
	ErrUnknownType = errors.New("unknown frame type")
)

// encMode uses Core Deterministic Encoding so the same frame always
// produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a Frame into a byte slice for DataChannel transmission.
func Encode(f *Frame) ([]byte, error) {
	if !knownType(f.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, f.Type)
	}
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame body: %w", err)
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = f.Type
	buf[1] = Version
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Decode deserializes a byte slice into a Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+1 {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortFrame, len(data), HeaderSize+1)
	}
	if data[1] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, data[1])
	}
	if !knownType(data[0]) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}

	f := &Frame{}
	if err := decMode.Unmarshal(data[HeaderSize:], f); err != nil {
		return nil, fmt.Errorf("decoding frame body: %w", err)
	}
	f.Type = data[0]
	return f, nil
}

func knownType(t uint8) bool {
	return t == TypeMessage || t == TypeBye
}
