package hls

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"

	"github.com/aminofox/hlsdemux/pkg/errors"
)

// Decryptor streams AES-128-CBC decryption for one segment. A fresh
// Decryptor is created for every encrypted segment, since the default IV
// is derived from that segment's own sequence number.
type Decryptor struct {
	block     cipher.Block
	mode      cipher.BlockMode
	blockSize int

	// carry holds ciphertext bytes received but not yet a full block,
	// buffered across Update calls
	carry []byte
}

// NewDecryptor downloads the key via fetcher and derives the IV, then
// initialises a CBC decryption context for one segment
func NewDecryptor(ctx context.Context, fetcher Fetcher, key KeyParams, sequence int64) (*Decryptor, error) {
	switch key.Method {
	case KeyMethodAES128:
		// proceed
	case KeyMethodSampleAES, KeyMethodUnknown:
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoUnsupported, "unsupported key method")
	default:
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoUnsupported, "no key to init crypto for")
	}

	keyBytes, err := fetcher.FetchBlob(ctx, key.URI, 0, -1)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCryptoKeyFetch, "failed to download key", err)
	}
	if keyBytes == nil {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoKeyFetch, "key fetch cancelled")
	}
	if len(keyBytes) != 16 {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoBadKeySize, "key size must be 16 bytes")
	}

	iv, err := deriveIV(key.IV, sequence)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCryptoBadKeySize, "failed to init aes cipher", err)
	}

	return &Decryptor{
		block:     block,
		mode:      cipher.NewCBCDecrypter(block, iv),
		blockSize: block.BlockSize(),
	}, nil
}

// deriveIV derives the 16-byte IV: from ivHex if present (hex, right-aligned,
// zero-padded on the left), else 12 zero bytes followed by the big-endian
// 32-bit segment sequence
func deriveIV(ivHex string, sequence int64) ([]byte, error) {
	if ivHex == "" {
		iv := make([]byte, 16)
		binary.BigEndian.PutUint32(iv[12:], uint32(sequence))
		return iv, nil
	}

	decoded, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoBadIV, "invalid IV hex")
	}
	if len(decoded) > 16 {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoBadIV, "IV exceeds 16 bytes")
	}

	iv := make([]byte, 16)
	copy(iv[16-len(decoded):], decoded)
	return iv, nil
}

// Update decrypts chunk, returning output whose length may be up to
// len(chunk)+blockSize; incomplete trailing blocks are buffered internally
// and surface on a subsequent Update or on Finalize
func (d *Decryptor) Update(chunk []byte) ([]byte, error) {
	buf := append(d.carry, chunk...)

	n := len(buf) - (len(buf) % d.blockSize)
	// always keep at least one full block back, since it may carry PKCS#7
	// padding that only Finalize can strip
	if n >= d.blockSize {
		n -= d.blockSize
	} else {
		n = 0
	}

	toDecrypt := buf[:n]
	d.carry = append([]byte(nil), buf[n:]...)

	if len(toDecrypt) == 0 {
		return nil, nil
	}

	out := make([]byte, len(toDecrypt))
	d.mode.CryptBlocks(out, toDecrypt)
	return out, nil
}

// Finalize decrypts the final buffered block and strips PKCS#7 padding,
// returning any residual plaintext
func (d *Decryptor) Finalize() ([]byte, error) {
	if len(d.carry) == 0 {
		return nil, nil
	}
	if len(d.carry)%d.blockSize != 0 {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoFinalization, "trailing ciphertext is not block-aligned")
	}

	out := make([]byte, len(d.carry))
	d.mode.CryptBlocks(out, d.carry)
	d.carry = nil

	unpadded, err := stripPKCS7(out, d.blockSize)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCryptoFinalization, "bad PKCS#7 padding", err)
	}

	return unpadded, nil
}

func stripPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoFinalization, "data not block-aligned")
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.NewCryptoError(errors.ErrCodeCryptoFinalization, "invalid padding length")
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.NewCryptoError(errors.ErrCodeCryptoFinalization, "invalid padding bytes")
		}
	}

	return data[:len(data)-padLen], nil
}
