package feecurve

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func packWord(base uint32, exp uint32, feeTime uint32, tu uint32, terminal bool) uint32 {
	w := base&0x1FFF | (exp&0xFF)<<13 | (feeTime&0x7F)<<21 | (tu&0x7)<<28
	if terminal {
		w |= 1 << 31
	}
	return w
}

func TestUnpackAmountBasic(t *testing.T) {
	amt, _ := Unpack(packWord(5, 3, 0, 0, false))
	require.True(t, amt.Eq(uint256.NewInt(5<<3)))
}

func TestUnpackAmountZeroBase(t *testing.T) {
	amt, _ := Unpack(packWord(0, 200, 0, 0, false))
	require.True(t, amt.IsZero())
}

func TestUnpackAmountOverflowSaturates(t *testing.T) {
	amt, _ := Unpack(packWord(0x1FFF, 255, 0, 0, false))
	require.True(t, IsKillFee(amt) || amt.Eq(MaxUint256))
}

func TestUnpackKillThreshold(t *testing.T) {
	// masked 21-bit fee portion >= (255-11)<<13 is kill, regardless of exact
	// base/exponent split.
	word := uint32(killThreshold)
	amt, _ := Unpack(word)
	require.True(t, amt.Eq(MaxUint256))
}

func TestUnpackTimeAllUnits(t *testing.T) {
	for tu := uint32(0); tu < 8; tu++ {
		_, delta := Unpack(packWord(0, 0, 3, tu, false))
		require.Equal(t, 3*TimeUnits[tu], delta)
	}
}

func TestUnpackIsTotalNeverPanics(t *testing.T) {
	// Every 32-bit value must decode without panicking.
	words := []uint32{0, 1, 0xFFFFFFFF, 0x80000000, 0x7FFFFFFF, killThreshold, killThreshold - 1, killThreshold + 1}
	for _, w := range words {
		require.NotPanics(t, func() {
			Unpack(w)
		})
	}
}

func TestDecodeCurveBufferTooShort(t *testing.T) {
	_, _, err := DecodeCurve(make([]byte, 10))
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestDecodeCurveUnterminatedOverflows(t *testing.T) {
	buf := make([]byte, envelopeHeaderLen+2) // two stray bytes, no full word
	_, _, err := DecodeCurve(buf)
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestDecodeCurveSingleTerminator(t *testing.T) {
	buf := make([]byte, envelopeHeaderLen+4)
	binary.BigEndian.PutUint32(buf[sigLen+csumLen:], 1000)
	binary.BigEndian.PutUint32(buf[envelopeHeaderLen:], packWord(7, 0, 0, 0, true))

	t0, entries, err := DecodeCurve(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), t0)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.Eq(uint256.NewInt(7)))
	require.Equal(t, uint64(1000), entries[0].Time)
}

func TestDecodeCurveMultipleWords(t *testing.T) {
	buf := make([]byte, envelopeHeaderLen+8)
	binary.BigEndian.PutUint32(buf[sigLen+csumLen:], 500)
	binary.BigEndian.PutUint32(buf[envelopeHeaderLen:], packWord(10, 0, 1, 1, false)) // +60s
	binary.BigEndian.PutUint32(buf[envelopeHeaderLen+4:], packWord(20, 0, 0, 0, true))

	t0, entries, err := DecodeCurve(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(500), t0)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(560), entries[0].Time)
	require.Equal(t, uint64(500), entries[1].Time)
}

// TestFeeParsingRegression pins Unpack against a deterministic corpus: 1000
// packed words taken from the leading four bytes of
// SHA-256("fee_parsing_test/{i}"), each unpacked to (amount, delta). The
// results are serialized as a JSON array of ["0x<hex>", delta] pairs and the
// digest of that document must match bit-exactly.
func TestFeeParsingRegression(t *testing.T) {
	const wantDigest = "eb65ae7b3410c05ed843824a33ac89456047375960b9f0fb880d217d470fecc7"

	var doc strings.Builder
	doc.WriteByte('[')
	for i := 0; i < 1000; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("fee_parsing_test/%d", i)))
		word := binary.BigEndian.Uint32(sum[:4])
		amt, delta := Unpack(word)
		if i > 0 {
			doc.WriteByte(',')
		}
		fmt.Fprintf(&doc, `["%s",%d]`, amt.Hex(), delta)
	}
	doc.WriteByte(']')

	digest := sha256.Sum256([]byte(doc.String()))
	require.Equal(t, wantDigest, fmt.Sprintf("%x", digest))
}
