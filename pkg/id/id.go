package id

import (
	cryptoRand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ULID entropy is unpredictable.
	// ulid.Monotonic keeps IDs generated within the same millisecond
	// lexicographically increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string (time-sortable identifier).
//
// ULIDs are lexicographically sortable by generation time, which makes them
// a good fit for ledger rows and SQLite indexes.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		// Errors are extremely unlikely unless time goes backwards or entropy fails.
		panic(err)
	}
	return id.String()
}

// Derive returns a ULID whose timestamp is t and whose entropy is a hash of
// parts. The same inputs always produce the same ID, so records derived from
// replayed data keep stable identifiers.
func Derive(t time.Time, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))

	var entropy [10]byte
	copy(entropy[:], sum[:10])

	var u ulid.ULID
	if err := u.SetTime(ulid.Timestamp(t.UTC())); err != nil {
		panic(err)
	}
	if err := u.SetEntropy(entropy[:]); err != nil {
		panic(err)
	}
	return u.String()
}
