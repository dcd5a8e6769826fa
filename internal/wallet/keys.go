package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/vulpemventures/go-bip39"
	"golang.org/x/crypto/blake2b"

	"github.com/meridian-labs/escrowd/internal/chain"
)

// Signer holds the payment key derived from a wallet's mnemonic.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewMnemonic generates a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveSigner derives the payment signing key from a mnemonic.
func DeriveSigner(mnemonic string) (*Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// VKeyHex returns the hex-encoded verification key.
func (s *Signer) VKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// VKeyHash returns the blake2b-224 hash of the verification key, the
// payment credential embedded in addresses and validated against datums.
func (s *Signer) VKeyHash() string {
	h, _ := blake2b.New(28, nil)
	h.Write(s.pub)
	return hex.EncodeToString(h.Sum(nil))
}

// AddressHex returns the wallet's enterprise address in hex form: one
// header byte (network tag) followed by the payment credential.
func (s *Signer) AddressHex(network string) string {
	header := "60" // testnet
	if network == "mainnet" {
		header = "61"
	}
	return header + s.VKeyHash()
}

// SignTx witnesses a transaction body: ed25519 over the blake2b-256 hash
// of the body bytes.
func (s *Signer) SignTx(bodyHex string) (chain.VKeyWitness, error) {
	body, err := hex.DecodeString(bodyHex)
	if err != nil {
		return chain.VKeyWitness{}, fmt.Errorf("wallet: tx body is not valid hex: %w", err)
	}
	digest := blake2b.Sum256(body)
	sig := ed25519.Sign(s.priv, digest[:])
	return chain.VKeyWitness{
		VKeyHex:      s.VKeyHex(),
		SignatureHex: hex.EncodeToString(sig),
	}, nil
}

// Verify checks a witness signature against this signer's key. Used in tests
// and the registration preflight.
func (s *Signer) Verify(bodyHex string, witness chain.VKeyWitness) bool {
	body, err := hex.DecodeString(bodyHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(witness.SignatureHex)
	if err != nil {
		return false
	}
	digest := blake2b.Sum256(body)
	return ed25519.Verify(s.pub, digest[:], sig)
}
