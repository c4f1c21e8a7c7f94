package types

import (
	"crypto/rand"
	"sync"
	"time"
)

// ULID is the 128-bit row id used for sessions, conversations, turns, and
// code changes: 48 bits of millisecond timestamp followed by 80 random bits.
// Because the timestamp leads, sorting ids sorts rows by creation time, which
// keeps session and turn listings in wall-clock order without a second index.
type ULID [16]byte

// Crockford Base32, no I, L, O, U.
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ULIDGenerator hands out ids that stay strictly increasing even when several
// rows are created within one millisecond: the random tail is incremented
// instead of redrawn, so ids never reorder under burst inserts.
type ULIDGenerator struct {
	mu     sync.Mutex
	lastMs uint64
	tail   [10]byte
}

// NewULIDGenerator creates a generator. Each store keeps its own; two
// generators never need to coordinate because collision requires the same
// millisecond and the same 80-bit draw.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate returns a new id stamped with the current time.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime returns a new id stamped with t. Tests use it to pin the
// timestamp component.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())

	var id ULID
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	if ms == g.lastMs {
		// Same millisecond: bump the tail as a big-endian integer so the
		// new id sorts after the previous one.
		for i := 9; i >= 0; i-- {
			g.tail[i]++
			if g.tail[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.tail[:]); err != nil {
			return ULID{}, err
		}
		g.lastMs = ms
	}
	copy(id[6:], g.tail[:])

	return id, nil
}

// Timestamp returns the id's creation time as Unix milliseconds.
func (u ULID) Timestamp() uint64 {
	return uint64(u[0])<<40 | uint64(u[1])<<32 | uint64(u[2])<<24 |
		uint64(u[3])<<16 | uint64(u[4])<<8 | uint64(u[5])
}

// Time returns the id's creation time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// String renders the id as 26 Crockford Base32 characters. The encoding
// preserves byte order, so string comparison agrees with Compare.
func (u ULID) String() string {
	var buf [26]byte

	// 128 bits become 25 full 5-bit groups plus 3 leading bits, packed from
	// the least significant end.
	var acc uint16
	bits := 0
	j := 25
	for i := 15; i >= 0; i-- {
		acc |= uint16(u[i]) << bits
		bits += 8
		for bits >= 5 {
			buf[j] = crockfordBase32[acc&31]
			acc >>= 5
			bits -= 5
			j--
		}
	}
	buf[0] = crockfordBase32[acc&31]

	return string(buf[:])
}

// Compare orders two ids bytewise. Negative when u is older than other under
// the timestamp-first layout, zero when equal, positive otherwise.
func (u ULID) Compare(other ULID) int {
	for i := 0; i < 16; i++ {
		if u[i] < other[i] {
			return -1
		}
		if u[i] > other[i] {
			return 1
		}
	}
	return 0
}

// ParseULID decodes a 26-character id string back into its binary form.
func ParseULID(s string) (ULID, error) {
	if len(s) != 26 {
		return ULID{}, ErrInvalidULIDLength
	}

	var u ULID
	var acc uint16
	bits := 0
	j := 15
	for i := 25; i >= 0; i-- {
		v := decodeBase32(s[i])
		if v == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		acc |= uint16(v) << bits
		bits += 5
		if bits >= 8 && j >= 0 {
			u[j] = byte(acc)
			acc >>= 8
			bits -= 8
			j--
		}
	}

	return u, nil
}

// decodeBase32 maps one Crockford character to its value, 0xFF when invalid.
// Lowercase is accepted; I, L, O, U are not.
func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c == 'J' || c == 'K':
		return c - 'J' + 18
	case c == 'M' || c == 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	default:
		return 0xFF
	}
}
