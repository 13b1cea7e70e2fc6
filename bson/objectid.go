package bson

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is the 12-byte MongoDB-compatible identifier: a 4-byte
// big-endian seconds-since-epoch timestamp, a 5-byte per-process random
// value, and a 3-byte big-endian counter.
type ObjectID [12]byte

var (
	processRandom  [5]byte
	objectIDCount  uint32
)

func init() {
	if _, err := rand.Read(processRandom[:]); err != nil {
		// crypto/rand failing is fatal: there is no safe fallback that
		// preserves the uniqueness guarantee ObjectId generation needs.
		panic(fmt.Sprintf("bson: failed to seed ObjectId randomness: %v", err))
	}
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	atomic.StoreUint32(&objectIDCount, binary.BigEndian.Uint32(seed[:]))
}

// NewObjectID generates a fresh ObjectID using the current time, the
// process-wide random value, and an atomically incremented counter.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processRandom[:])
	c := atomic.AddUint32(&objectIDCount, 1) & 0x00FFFFFF
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// Timestamp returns the embedded creation time.
func (id ObjectID) Timestamp() time.Time {
	secs := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(secs), 0).UTC()
}

// Hex returns the canonical 24-character lowercase hex representation.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ObjectID) String() string {
	return "ObjectID(\"" + id.Hex() + "\")"
}

// ObjectIDFromHex parses a 24-character hex string into an ObjectID.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, &Error{Code: ErrInvalidObjectID, Message: fmt.Sprintf("invalid ObjectId length: %d", len(s))}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, &Error{Code: ErrInvalidObjectID, Message: "invalid ObjectId hex: " + err.Error(), Err: err}
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the zero-value ObjectID.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}
