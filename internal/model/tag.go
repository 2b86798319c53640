package model

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Tag is the 256-bit feature bitfield carried by every order. Bits are
// orthogonal flags; bit 0 (lowest-order bit of the last byte) is the TEE
// flag, bit 8 the GPU flag.
type Tag [32]byte

// TeeBit is the bit index of the confidential-computing flag.
const TeeBit = 0

// GpuBit is the bit index of the GPU flag.
const GpuBit = 8

// NoTag is the all-zero tag.
var NoTag Tag

// MaxTag has every bit set.
var MaxTag = func() Tag {
	var t Tag
	for i := range t {
		t[i] = 0xff
	}
	return t
}()

// ParseTag parses a 0x-prefixed hex string of up to 32 bytes, right-aligned.
func ParseTag(s string) (Tag, error) {
	var t Tag
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 0 || len(s) > 64 || len(s)%2 != 0 {
		return t, fmt.Errorf("invalid tag %q", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid tag %q", s)
	}
	copy(t[32-len(raw):], raw)
	return t, nil
}

// Bit reports whether bit i (0 = least significant) is set.
func (t Tag) Bit(i uint) bool {
	return t[31-i/8]&(1<<(i%8)) != 0
}

// SetBit returns a copy of t with bit i set.
func (t Tag) SetBit(i uint) Tag {
	t[31-i/8] |= 1 << (i % 8)
	return t
}

// IsZero reports whether no bit is set.
func (t Tag) IsZero() bool { return t == NoTag }

// Covers reports whether t contains every bit of required:
// (t & required) == required.
func (t Tag) Covers(required Tag) bool {
	for i := range t {
		if t[i]&required[i] != required[i] {
			return false
		}
	}
	return true
}

// Within reports whether t only uses bits permitted by allowed:
// (t | allowed) == allowed.
func (t Tag) Within(allowed Tag) bool {
	for i := range t {
		if t[i]|allowed[i] != allowed[i] {
			return false
		}
	}
	return true
}

func (t Tag) String() string { return "0x" + hex.EncodeToString(t[:]) }

func (t Tag) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Tag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTag(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value stores the tag as its hex string form.
func (t Tag) Value() (driver.Value, error) { return t.String(), nil }

// Scan restores the tag from its hex string form.
func (t *Tag) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseTag(v)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	case []byte:
		parsed, err := ParseTag(string(v))
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan tag from %T", src)
	}
}
