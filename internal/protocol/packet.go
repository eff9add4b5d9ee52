// Package protocol defines the frame format exchanged over the chat
// DataChannel.
package protocol

// Frame type constants.
const (
	TypeMessage uint8 = 0x01 // Encrypted chat message
	TypeBye     uint8 = 0x02 // Orderly close notification, no body fields
)

// Version is the only frame version this package reads and writes.
const Version uint8 = 1

// HeaderSize is the fixed header size: Type(1) + Version(1). The CBOR body
// follows the header.
const HeaderSize = 2

// Frame is one DataChannel message. For TypeMessage every body field is
// set; TypeBye carries an empty body.
type Frame struct {
	Type uint8 `cbor:"-"`

	MessageID   string `cbor:"1,keyasint,omitempty"`
	SenderID    string `cbor:"2,keyasint,omitempty"`
	Timestamp   int64  `cbor:"3,keyasint,omitempty"` // unix milliseconds, wall clock at send
	ContentHash string `cbor:"4,keyasint,omitempty"`
	Ciphertext  []byte `cbor:"5,keyasint,omitempty"` // nonce || sealed plaintext
}
