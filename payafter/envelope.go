// Package payafter decodes and schedules pay-after transactions (PATs):
// signed envelopes carrying a time-rising fee schedule that the pollinator
// holds until it clears its break-even threshold.
package payafter

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xgr-network/pollinated/feecurve"
)

const (
	sigLen  = 65
	csumLen = 3
)

// estimateGasSigner is a well-known address substituted for msg.sender
// during off-chain gas simulation. A real PAT can never be signed by it.
var estimateGasSigner = common.HexToAddress("0x4f4082f93978CCb77661f797cc36521Af262f6B8")

var (
	ErrCorruptedSignature = errors.New("payafter: checksum does not match recovered signer")
	ErrSentinelSigner     = errors.New("payafter: signed with the gas-estimation sentinel key")
	ErrBufferOverflow     = feecurve.ErrBufferOverflow
	ErrRecoveryFailed     = errors.New("payafter: signature recovery failed")
)

// Pat is a decoded pay-after transaction: its authenticated signer, its
// binary payload (dispatched as-is on-chain) and its reward curve.
type Pat struct {
	Bin          []byte
	CreateTime   uint64
	DataHash     common.Hash
	Signer       common.Address
	EstimatedGas *uint64
	Fees         feecurve.Curve
}

// eip191DigestFromPayload computes the signing digest over the envelope bytes
// following the signature (bin[65:], checksum included): keccak256(payload) is tupled with the chain
// ID (ABI-encoded as bytes32,uint256), keccak256'd again, then wrapped in
// the EIP-191 personal-message prefix.
func eip191DigestFromPayload(payload []byte, chainID uint32) common.Hash {
	payloadHash := crypto.Keccak256(payload)

	var chainIDWord [32]byte
	chainIDWord[28] = byte(chainID >> 24)
	chainIDWord[29] = byte(chainID >> 16)
	chainIDWord[30] = byte(chainID >> 8)
	chainIDWord[31] = byte(chainID)

	tuple := make([]byte, 0, 64)
	tuple = append(tuple, payloadHash...)
	tuple = append(tuple, chainIDWord[:]...)
	dataHash := crypto.Keccak256(tuple)

	return eip191MessageHash(dataHash)
}

// eip191MessageHash implements EIP-191's personal-sign prefix:
// keccak256("\x19Ethereum Signed Message:\n32" ++ msg).
func eip191MessageHash(msg []byte) common.Hash {
	prefix := []byte("\x19Ethereum Signed Message:\n32")
	return crypto.Keccak256Hash(append(prefix, msg...))
}

// recoverSigner recovers the address that produced sig over digest. sig is
// the packed 65-byte (r, s, v) form; v is normalized from Ethereum's
// 27/28 convention to the 0/1 form go-ethereum's crypto package expects.
func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != sigLen {
		return common.Address{}, ErrRecoveryFailed
	}
	normalized := make([]byte, sigLen)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Decode parses a full PAT envelope: recovers and authenticates the signer,
// then decodes its packed reward curve.
func Decode(chainID uint32, bin []byte) (*Pat, error) {
	if len(bin) < sigLen+csumLen+4 {
		return nil, ErrBufferOverflow
	}

	sig := bin[:sigLen]
	checksum := bin[sigLen : sigLen+csumLen]
	payload := bin[sigLen:]

	digest := eip191DigestFromPayload(payload, chainID)
	signer, err := recoverSigner(digest, sig)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(signer.Bytes()[17:20], checksum) {
		return nil, ErrCorruptedSignature
	}
	if signer == estimateGasSigner {
		return nil, ErrSentinelSigner
	}

	t0, entries, err := feecurve.DecodeCurve(bin)
	if err != nil {
		return nil, err
	}

	return &Pat{
		Bin:        bin,
		CreateTime: t0,
		DataHash:   digest,
		Signer:     signer,
		Fees:       feecurve.Curve(entries),
	}, nil
}
