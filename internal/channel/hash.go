package channel

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// canonical is the byte form both ends hash and authenticate:
//
//	senderID \n timestampMs \n messageID \n plaintext
func canonical(senderID string, timestampMs int64, messageID string, plaintext []byte) []byte {
	buf := make([]byte, 0, len(senderID)+len(messageID)+len(plaintext)+24)
	buf = append(buf, senderID...)
	buf = append(buf, '\n')
	buf = strconv.AppendInt(buf, timestampMs, 10)
	buf = append(buf, '\n')
	buf = append(buf, messageID...)
	buf = append(buf, '\n')
	return append(buf, plaintext...)
}

// ContentHash returns the 0x-prefixed Keccak-256 of a message's canonical
// form. It is the join key between a delivered message and its ledger
// record.
func ContentHash(senderID string, timestampMs int64, messageID string, plaintext []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(canonical(senderID, timestampMs, messageID, plaintext))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// additionalData binds the frame header fields to the ciphertext.
func additionalData(senderID string, timestampMs int64, messageID, contentHash string) []byte {
	buf := make([]byte, 0, len(senderID)+len(messageID)+len(contentHash)+24)
	buf = append(buf, senderID...)
	buf = append(buf, '\n')
	buf = strconv.AppendInt(buf, timestampMs, 10)
	buf = append(buf, '\n')
	buf = append(buf, messageID...)
	buf = append(buf, '\n')
	return append(buf, contentHash...)
}
