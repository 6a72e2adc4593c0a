package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/holiman/uint256"

	"quizfund/crypto"
)

// Action discriminants in the ledger's borsh schema.
const (
	actionCreateAccount byte = 0
	actionTransfer      byte = 3
	actionAddKey        byte = 5

	permissionFullAccess byte = 1
)

// Action is one operation inside a transaction.
type Action interface {
	encode(w *borshWriter) error
}

// CreateAccount creates the receiver account. It must be the first action.
type CreateAccount struct{}

func (CreateAccount) encode(w *borshWriter) error {
	w.u8(actionCreateAccount)
	return nil
}

// Transfer moves Deposit yocto to the receiver.
type Transfer struct {
	Deposit *uint256.Int
}

func (t Transfer) encode(w *borshWriter) error {
	w.u8(actionTransfer)
	return w.u128(t.Deposit)
}

// AddFullAccessKey attaches a full access key to the receiver account.
type AddFullAccessKey struct {
	PublicKey *crypto.PublicKey
}

func (a AddFullAccessKey) encode(w *borshWriter) error {
	if a.PublicKey == nil {
		return fmt.Errorf("ledger: add key requires a public key")
	}
	w.u8(actionAddKey)
	w.publicKey(a.PublicKey)
	w.u64(0)
	w.u8(permissionFullAccess)
	return nil
}

// Transaction is the unsigned ledger transaction.
type Transaction struct {
	SignerID   string
	PublicKey  *crypto.PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// Encode serialises the transaction in borsh layout.
func (tx *Transaction) Encode() ([]byte, error) {
	if tx.PublicKey == nil {
		return nil, fmt.Errorf("ledger: transaction public key required")
	}
	w := &borshWriter{}
	w.str(tx.SignerID)
	w.publicKey(tx.PublicKey)
	w.u64(tx.Nonce)
	w.str(tx.ReceiverID)
	w.buf.Write(tx.BlockHash[:])
	w.u32(uint32(len(tx.Actions)))
	for _, action := range tx.Actions {
		if err := action.encode(w); err != nil {
			return nil, err
		}
	}
	return w.buf.Bytes(), nil
}

// SignedTransaction carries the wire form of a signed transaction and its hash.
type SignedTransaction struct {
	Encoded []byte
	Hash    string
}

// Base64 returns the payload expected by the broadcast methods.
func (s SignedTransaction) Base64() string {
	return base64.StdEncoding.EncodeToString(s.Encoded)
}

// Sign hashes the borsh encoded transaction with sha256 and signs the digest.
func Sign(tx *Transaction, key *crypto.PrivateKey) (SignedTransaction, error) {
	encoded, err := tx.Encode()
	if err != nil {
		return SignedTransaction{}, err
	}
	digest := sha256.Sum256(encoded)
	sig := key.Sign(digest[:])
	w := &borshWriter{}
	w.buf.Write(encoded)
	w.u8(crypto.KeyTypeED25519)
	w.buf.Write(sig)
	return SignedTransaction{Encoded: w.buf.Bytes(), Hash: base58.Encode(digest[:])}, nil
}

// ErrInvalidHash is returned for strings that are not canonical transaction ids.
var ErrInvalidHash = errors.New("ledger: invalid transaction hash")

// ValidateTxHash checks that hash is canonical base58 of a 32-byte digest. Leading
// zero bytes shorten the encoding, so valid hashes are 43 or 44 characters.
func ValidateTxHash(hash string) error {
	if len(hash) < 43 || len(hash) > 44 {
		return fmt.Errorf("%w: length %d", ErrInvalidHash, len(hash))
	}
	raw := base58.Decode(hash)
	if len(raw) != sha256.Size || base58.Encode(raw) != hash {
		return fmt.Errorf("%w: not base58 of a 32-byte digest", ErrInvalidHash)
	}
	return nil
}

// DecodeBlockHash parses a base58 block hash.
func DecodeBlockHash(hash string) ([32]byte, error) {
	var out [32]byte
	raw := base58.Decode(hash)
	if len(raw) != len(out) {
		return out, fmt.Errorf("ledger: invalid block hash %q", hash)
	}
	copy(out[:], raw)
	return out, nil
}

type borshWriter struct {
	buf bytes.Buffer
}

func (w *borshWriter) u8(v byte) {
	w.buf.WriteByte(v)
}

func (w *borshWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u128(v *uint256.Int) error {
	if v == nil {
		v = new(uint256.Int)
	}
	if v.BitLen() > 128 {
		return fmt.Errorf("ledger: amount %s exceeds u128", v.Dec())
	}
	w.u64(v[0])
	w.u64(v[1])
	return nil
}

func (w *borshWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *borshWriter) publicKey(k *crypto.PublicKey) {
	w.u8(crypto.KeyTypeED25519)
	w.buf.Write(k.Bytes())
}
