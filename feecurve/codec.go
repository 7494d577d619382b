// Package feecurve implements the binary fee-schedule codec shared by periodic
// and pay-after transactions: packed 32-bit (amount, time-offset) words and
// the piecewise-linear curve built from them.
package feecurve

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
)

// Time unit seconds, indexed by the 3-bit time-unit selector packed into a
// fee word. Slot 7 (10 seconds) is addressable but not produced by any
// known encoder.
var TimeUnits = [8]uint64{
	1,        // second
	60,       // minute
	3600,     // hour
	86400,    // day
	604800,   // week
	2592000,  // month (30 days)
	31536000, // year (365 days)
	10,
}

const (
	feeBaseWidth  = 13
	feeExpWidth   = 8
	packedFeeBits = feeBaseWidth + feeExpWidth // 21

	timeUnitWidth = 3
	feeTimeWidth  = 7

	sigLen            = 65
	csumLen           = 3
	envelopeHeaderLen = sigLen + csumLen + 4 // signature + checksum + t0
)

// killThreshold is exponent 244 (255-11) shifted past the 13-bit base field;
// a packed 21-bit fee portion at or above it is the kill sentinel.
const killThreshold = (255 - 11) << feeBaseWidth

// ErrBufferOverflow is returned when fewer than 4 bytes remain before a
// terminator word has been seen.
var ErrBufferOverflow = errors.New("feecurve: buffer overflow decoding fee curve")

// MaxUint256 is the kill-fee sentinel: an amount no real fee schedule can
// reach, meaning "this PAT has expired".
var MaxUint256 = new(uint256.Int).SetAllOne()

// IsKillFee reports whether amt is the kill sentinel.
func IsKillFee(amt *uint256.Int) bool {
	return amt.Eq(MaxUint256)
}

// FeeEntry is one point on a reward curve: a fee amount due at an absolute
// wall-clock time.
type FeeEntry struct {
	Amount *uint256.Int
	Time   uint64
}

// unpackTime extracts the delta-seconds encoded in the upper 11 bits of a
// packed fee word (fee-time count and time-unit selector).
func unpackTime(word uint32) uint64 {
	upper := word >> packedFeeBits
	feeTime := uint64(upper & ((1 << feeTimeWidth) - 1))
	tu := (upper >> feeTimeWidth) & ((1 << timeUnitWidth) - 1)
	return feeTime * TimeUnits[tu]
}

// unpackAmount extracts the fee amount encoded in the lower 21 bits of a
// packed fee word, saturating to MaxUint256 for the kill sentinel or for any
// exponent that would otherwise overflow.
func unpackAmount(word uint32) *uint256.Int {
	packed := word & ((1 << packedFeeBits) - 1)
	if packed >= killThreshold {
		return new(uint256.Int).Set(MaxUint256)
	}

	base := uint64(packed & ((1 << feeBaseWidth) - 1))
	exp := uint(packed >> feeBaseWidth)

	if base == 0 {
		return new(uint256.Int)
	}
	if bits.Len64(base)+int(exp) > 256 {
		return new(uint256.Int).Set(MaxUint256)
	}
	return new(uint256.Int).Lsh(uint256.NewInt(base), exp)
}

// Unpack decodes a single packed fee word into its amount and the
// delta-seconds it contributes relative to the envelope's t0. Unpack is a
// total function: every 32-bit input produces a result, never panics.
func Unpack(word uint32) (*uint256.Int, uint64) {
	return unpackAmount(word), unpackTime(word)
}

// DecodeCurve parses the fee curve out of a full PAT envelope: it skips the
// 65-byte signature, 3-byte checksum and reads the big-endian 4-byte create
// time t0, then consumes 32-bit packed-fee words until one with bit 31 set
// (the terminator) has been read.
func DecodeCurve(buf []byte) (t0 uint64, entries []FeeEntry, err error) {
	if len(buf) < envelopeHeaderLen {
		return 0, nil, ErrBufferOverflow
	}
	pos := sigLen + csumLen
	t0 = uint64(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	for {
		if len(buf)-pos < 4 {
			return 0, nil, ErrBufferOverflow
		}
		word := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4

		amt, delta := Unpack(word)
		entries = append(entries, FeeEntry{Amount: amt, Time: t0 + delta})

		if word&(1<<31) != 0 {
			return t0, entries, nil
		}
	}
}
