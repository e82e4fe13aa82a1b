// Package crypto implements the at-rest encryption primitives: AES-256-CTR
// over file content, PBKDF2 volume key derivation, and wrapping of per-object
// data keys under the volume key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLen is the AES-256 key size.
	KeyLen = 32

	// IVLen is the stored IV size; the remaining 8 bytes of the counter
	// block hold the big-endian block number.
	IVLen = 8

	// BlockLen is the AES block size.
	BlockLen = 16

	pbkdf2Rounds = 8192
)

var volumeKeySalt = []byte("objectfuse-volume-key-v1")

// SymmetricKey is an AES-256 key plus the 8-byte IV half of its counter
// block.
type SymmetricKey struct {
	Key []byte
	IV  []byte
}

// GenerateKey creates a random key and IV.
func GenerateKey() (*SymmetricKey, error) {
	k := &SymmetricKey{
		Key: make([]byte, KeyLen),
		IV:  make([]byte, IVLen),
	}

	if _, err := rand.Read(k.Key); err != nil {
		return nil, err
	}
	if _, err := rand.Read(k.IV); err != nil {
		return nil, err
	}

	return k, nil
}

// NewSymmetricKey wraps existing key material.
func NewSymmetricKey(key, iv []byte) (*SymmetricKey, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key length %d is not valid for aes-256", len(key))
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("iv length %d is not valid for aes-ctr-256", len(iv))
	}
	return &SymmetricKey{Key: key, IV: iv}, nil
}

// NewCTR builds a CTR stream positioned at startingBlock. The counter block
// is IV || big-endian block number, so a stream can start mid-file on any
// 16-byte boundary.
func NewCTR(k *SymmetricKey, startingBlock uint64) (cipher.Stream, error) {
	block, err := aes.NewCipher(k.Key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, BlockLen)
	copy(counter, k.IV)
	binary.BigEndian.PutUint64(counter[IVLen:], startingBlock)

	return cipher.NewCTR(block, counter), nil
}

// CryptFile streams src through AES-CTR from block zero into dst. CTR is an
// involution, so the same call encrypts and decrypts.
func CryptFile(k *SymmetricKey, src, dst *os.File) error {
	stream, err := NewCTR(k, 0)
	if err != nil {
		return err
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			stream.XORKeyStream(buf[:n], buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// DeriveVolumeKey turns the volume password into the key-encryption key.
func DeriveVolumeKey(password string) []byte {
	return pbkdf2.Key([]byte(password), volumeKeySalt, pbkdf2Rounds, KeyLen, sha256.New)
}

// WrapKey encrypts a data key under the volume key. The output is
// wrapIV || AES-CTR(kek, key || iv), suitable for base64 into a header.
func WrapKey(kek []byte, k *SymmetricKey) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	wrapIV := make([]byte, BlockLen)
	if _, err := rand.Read(wrapIV); err != nil {
		return nil, err
	}

	plain := make([]byte, 0, KeyLen+IVLen)
	plain = append(plain, k.Key...)
	plain = append(plain, k.IV...)

	out := make([]byte, BlockLen+len(plain))
	copy(out, wrapIV)
	cipher.NewCTR(block, wrapIV).XORKeyStream(out[BlockLen:], plain)

	return out, nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(kek, wrapped []byte) (*SymmetricKey, error) {
	if len(wrapped) != BlockLen+KeyLen+IVLen {
		return nil, fmt.Errorf("wrapped key has length %d, want %d", len(wrapped), BlockLen+KeyLen+IVLen)
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, KeyLen+IVLen)
	cipher.NewCTR(block, wrapped[:BlockLen]).XORKeyStream(plain, wrapped[BlockLen:])

	return NewSymmetricKey(plain[:KeyLen], plain[KeyLen:])
}
