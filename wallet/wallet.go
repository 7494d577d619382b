// Package wallet derives the pollinator's signing key from a BIP-39
// mnemonic and an interactively-collected passphrase, so the private key
// never touches disk in plaintext.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/term"
)

// derivationPath is the standard Ethereum externally-owned-account path.
var derivationPath = []uint32{
	hdkeychain.HardenedKeyStart + 44, // purpose
	hdkeychain.HardenedKeyStart + 60, // coin type: Ether
	hdkeychain.HardenedKeyStart + 0,  // account
	0,                                // change
	0,                                // address index
}

// Wallet holds the pollinator's derived signing key.
type Wallet struct {
	PrivateKey *ecdsa.PrivateKey
	Address    [20]byte
}

// NewMnemonic generates a fresh 12-word BIP-39 mnemonic from 128 bits of
// entropy, for use by the genconf command.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("wallet: generating entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("wallet: generating mnemonic: %w", err)
	}
	return mnemonic, nil
}

// PromptPassphrase reads a passphrase from the terminal identified by fd
// with echo disabled, prompting on out.
func PromptPassphrase(out io.Writer, fd int) (string, error) {
	fmt.Fprint(out, "Wallet passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("wallet: reading passphrase: %w", err)
	}
	return string(pass), nil
}

// Derive walks the mnemonic+passphrase combined seed down the standard
// Ethereum derivation path to produce the pollinator's signing key.
func Derive(mnemonic, passphrase string) (*Wallet, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("wallet: deriving seed: %w", err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: deriving master key: %w", err)
	}

	key := master
	for _, idx := range derivationPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("wallet: deriving child key: %w", err)
		}
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: extracting private key: %w", err)
	}

	privKey, err := crypto.ToECDSA(ecPriv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("wallet: converting to ecdsa key: %w", err)
	}

	addr := crypto.PubkeyToAddress(privKey.PublicKey)

	var out [20]byte
	copy(out[:], addr.Bytes())
	return &Wallet{PrivateKey: privKey, Address: out}, nil
}
