package wallet

import (
	"encoding/hex"
	"fmt"
	"log"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	crypto "github.com/bsv-blockchain/go-sdk/primitives/hash"
	"github.com/bsv-blockchain/go-sdk/script"
)

// Wallet holds the operator's secp256k1 key. It funds anchoring
// transactions and signs completed draws.
type Wallet struct {
	PrivateKey *ec.PrivateKey
	PublicKey  []byte // 33-byte compressed public key
	Address    string // Base58Check P2PKH address (mainnet)
	WIF        string
}

// Attestation is the operator's signature over a completed draw.
type Attestation struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
}

// Load creates a wallet from a WIF-encoded private key.
func Load(wif string) (*Wallet, error) {
	if wif == "" {
		return nil, fmt.Errorf("no wallet key provided")
	}

	privKey, err := ec.PrivateKeyFromWif(wif)
	if err != nil {
		return nil, fmt.Errorf("decode WIF: %w", err)
	}

	w, err := fromKey(privKey)
	if err != nil {
		return nil, err
	}
	w.WIF = wif
	log.Printf("[wallet] Loaded key, address: %s", w.Address)
	return w, nil
}

// Generate creates a new random wallet.
func Generate() (*Wallet, error) {
	privKey, err := ec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	w, err := fromKey(privKey)
	if err != nil {
		return nil, err
	}
	w.WIF = privKey.Wif()
	return w, nil
}

func fromKey(privKey *ec.PrivateKey) (*Wallet, error) {
	addr, err := script.NewAddressFromPublicKey(privKey.PubKey(), true)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	return &Wallet{
		PrivateKey: privKey,
		PublicKey:  privKey.PubKey().Compressed(),
		Address:    addr.AddressString,
	}, nil
}

// Sign produces a DER-encoded ECDSA signature of the double-SHA256 hash of data.
func (w *Wallet) Sign(data []byte) ([]byte, error) {
	hash := crypto.Sha256d(data)
	sig, err := w.PrivateKey.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig.Serialize(), nil
}

// Attest signs payload and returns everything a third party needs to check
// the signature.
func (w *Wallet) Attest(payload []byte) (*Attestation, error) {
	sig, err := w.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &Attestation{
		Address:   w.Address,
		PublicKey: hex.EncodeToString(w.PublicKey),
		Digest:    hex.EncodeToString(crypto.Sha256d(payload)),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// VerifyAttestation checks a against payload. The address must match the
// public key so a valid signature cannot be passed off under another name.
func VerifyAttestation(a *Attestation, payload []byte) error {
	pubBytes, err := hex.DecodeString(a.PublicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	pub, err := ec.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	addr, err := script.NewAddressFromPublicKey(pub, true)
	if err != nil {
		return fmt.Errorf("derive address: %w", err)
	}
	if addr.AddressString != a.Address {
		return fmt.Errorf("address %s does not belong to public key (%s)", a.Address, addr.AddressString)
	}

	digest := crypto.Sha256d(payload)
	if hex.EncodeToString(digest) != a.Digest {
		return fmt.Errorf("digest mismatch")
	}
	sigBytes, err := hex.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	sig, err := ec.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if !sig.Verify(digest, pub) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
