package types

import (
	"encoding/hex"

	"github.com/spacemeshos/go-scale"
)

const (
	// TransactionIDSize in bytes.
	TransactionIDSize = 32
)

// TransactionID is a 32-byte sha256 digest identifying a transaction.
type TransactionID [TransactionIDSize]byte

// BytesToTransactionID is a helper to copy a buffer into a TransactionID.
func BytesToTransactionID(buf []byte) (id TransactionID) {
	copy(id[:], buf)
	return id
}

// Bytes returns the byte representation of the ID.
func (id TransactionID) Bytes() []byte {
	return id[:]
}

// String returns a hex representation of the ID, for logging purposes.
// It implements the Stringer interface.
func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first few characters of the ID, for logging purposes.
func (id TransactionID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// EmptyTransactionID is a canonical empty TransactionID.
var EmptyTransactionID TransactionID

// EncodeScale implements scale codec interface.
func (id *TransactionID) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, id[:])
}

// DecodeScale implements scale codec interface.
func (id *TransactionID) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, id[:])
}

// ShortID is a salted 32-bit digest of a TransactionID used inside set
// sketches to keep reconciliation messages compact. The value 0 is never
// produced: the sketch field cannot represent it.
type ShortID uint32

// String implements the Stringer interface.
func (s ShortID) String() string {
	var buf [4]byte
	buf[0] = byte(s >> 24)
	buf[1] = byte(s >> 16)
	buf[2] = byte(s >> 8)
	buf[3] = byte(s)
	return hex.EncodeToString(buf[:])
}
