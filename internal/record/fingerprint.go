package record

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 content fingerprint.
type Digest [32]byte

// fingerprintKey separates clipboard fingerprints from any other BLAKE3 use.
// ASCII "clipshare.record.content", zero padded.
var fingerprintKey = [32]byte{
	'c', 'l', 'i', 'p', 's', 'h', 'a', 'r', 'e', '.', 'r', 'e', 'c', 'o', 'r', 'd',
	'.', 'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

// derivedIDSpace is the UUID namespace for ids derived from content.
var derivedIDSpace = uuid.MustParse("6f1c7d3e-2b0a-4c55-9e8f-1a2b3c4d5e6f")

// Fingerprint hashes kind and payload. Two snapshots with the same kind and
// bytes always share a fingerprint.
func Fingerprint(kind Kind, payload []byte) Digest {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("record: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte{byte(kind)})
	hasher.Write(payload)
	var d Digest
	hasher.Sum(d[:0])
	return d
}

// String returns the hex form of the digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short returns the first 12 hex characters, for logs.
func (d Digest) Short() string { return d.String()[:12] }

// DerivedID returns a deterministic UUID for a payload that arrived without
// an id. The same content at the same instant always maps to the same id.
func DerivedID(kind Kind, payload []byte, createdAt time.Time) string {
	fp := Fingerprint(kind, payload)
	name := append(fp[:], FormatTime(createdAt)...)
	return uuid.NewSHA1(derivedIDSpace, name).String()
}
