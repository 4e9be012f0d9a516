package hls

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"testing"

	"github.com/aminofox/hlsdemux/pkg/errors"
)

// stubKeyFetcher implements Fetcher, returning a fixed key body for FetchBlob
type stubKeyFetcher struct {
	key []byte
	err error
}

func (s *stubKeyFetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	return s.key, s.err
}
func (s *stubKeyFetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	return true, nil
}
func (s *stubKeyFetcher) Cancel() {}

func TestDeriveIVDefaultFromSequence(t *testing.T) {
	iv, err := deriveIV("", 7)
	if err != nil {
		t.Fatalf("deriveIV failed: %v", err)
	}
	wantHex := "00000000000000000000000000000007"
	gotHex := hex.EncodeToString(iv)
	if gotHex != wantHex {
		t.Errorf("expected IV %s, got %s", wantHex, gotHex)
	}
}

func TestDeriveIVFromExplicitHex(t *testing.T) {
	iv, err := deriveIV("0A", 0)
	if err != nil {
		t.Fatalf("deriveIV failed: %v", err)
	}
	wantHex := "0000000000000000000000000000000a"
	if hex.EncodeToString(iv) != wantHex {
		t.Errorf("expected right-aligned IV %s, got %s", wantHex, hex.EncodeToString(iv))
	}
}

func TestDeriveIVRejectsOversizedHex(t *testing.T) {
	long := ""
	for i := 0; i < 17; i++ {
		long += "ff"
	}
	if _, err := deriveIV(long, 0); err == nil {
		t.Fatal("expected error for an IV longer than 16 bytes")
	}
}

func TestNewDecryptorRejectsUnsupportedMethod(t *testing.T) {
	fetcher := &stubKeyFetcher{key: make([]byte, 16)}
	_, err := NewDecryptor(context.Background(), fetcher, KeyParams{Method: KeyMethodSampleAES}, 0)
	if !errors.IsErrorCode(err, errors.ErrCodeCryptoUnsupported) {
		t.Fatalf("expected ErrCodeCryptoUnsupported, got %v", err)
	}
}

func TestNewDecryptorRejectsBadKeySize(t *testing.T) {
	fetcher := &stubKeyFetcher{key: make([]byte, 10)}
	_, err := NewDecryptor(context.Background(), fetcher, KeyParams{Method: KeyMethodAES128, URI: "key.bin"}, 0)
	if !errors.IsErrorCode(err, errors.ErrCodeCryptoBadKeySize) {
		t.Fatalf("expected ErrCodeCryptoBadKeySize, got %v", err)
	}
}

func TestDecryptorRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte("this is a segment payload that spans a few AES blocks of data")
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}
	iv := make([]byte, 16)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	fetcher := &stubKeyFetcher{key: key}
	dec, err := NewDecryptor(context.Background(), fetcher, KeyParams{Method: KeyMethodAES128, URI: "key.bin"}, 0)
	if err != nil {
		t.Fatalf("NewDecryptor failed: %v", err)
	}

	var out []byte
	// feed the ciphertext in small, irregular chunks to exercise the carry buffer
	for i := 0; i < len(ciphertext); i += 7 {
		end := i + 7
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		chunk, err := dec.Update(ciphertext[i:end])
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		out = append(out, chunk...)
	}

	residual, err := dec.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	out = append(out, residual...)

	if string(out) != string(plaintext) {
		t.Errorf("round-trip mismatch:\n got: %q\nwant: %q", out, plaintext)
	}
}

func TestStripPKCS7RejectsBadPadding(t *testing.T) {
	data := make([]byte, 16)
	data[15] = 0 // padLen == 0 is invalid
	if _, err := stripPKCS7(data, 16); err == nil {
		t.Fatal("expected error for zero padding length")
	}

	data2 := make([]byte, 16)
	data2[15] = 17 // padLen > blockSize
	if _, err := stripPKCS7(data2, 16); err == nil {
		t.Fatal("expected error for padding length exceeding block size")
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}
