// Package tapocrypto implements the hashing, symmetric, and asymmetric
// primitives the passthrough, KLAP, and H200 protocols build their
// handshakes and wire envelopes from.
package tapocrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/johnpr01/tapo-session/internal/errors"
)

// Sha1 returns the raw SHA-1 digest of data.
func Sha1(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

// Sha256 returns the raw SHA-256 digest of data.
func Sha256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// Md5 returns the raw MD5 digest of data.
func Md5(data []byte) []byte {
	h := md5.Sum(data)
	return h[:]
}

// Sha256HexUpper returns the uppercase hex SHA-256 digest, the form
// the H200 digest-login handshake signs and compares.
func Sha256HexUpper(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(Sha256(data)))
}

// Md5HexUpper returns the uppercase hex MD5 digest, H200's legacy
// password-hashing form.
func Md5HexUpper(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(Md5(data)))
}

// Concat joins byte slices without an intervening separator, the
// building block every handshake hash uses ("lsk"||seed||seed||hash, etc).
func Concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Base64Encode returns the standard base64 encoding of data.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64Decode decodes standard base64 text.
func Base64Decode(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.NewProtocolError("invalid base64 payload", err)
	}
	return data, nil
}

// pkcs7Pad pads data to a multiple of blockSize per PKCS#7.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

// pkcs7Unpad strips PKCS#7 padding, validating it.
func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, errors.NewProtocolError("cannot unpad empty data", nil)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n || padLen > aes.BlockSize {
		return nil, errors.NewProtocolError("invalid PKCS#7 padding", nil)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errors.NewProtocolError("invalid PKCS#7 padding", nil)
		}
	}
	return data[:n-padLen], nil
}

// AESCBCEncrypt pads data with PKCS#7 and encrypts it with AES-128/256-CBC.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewProtocolError("failed to construct AES cipher", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// AESCBCDecrypt decrypts an AES-CBC ciphertext and strips PKCS#7 padding.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.NewProtocolError("ciphertext is not a multiple of the AES block size", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewProtocolError("failed to construct AES cipher", err)
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

// RSAKeyPair holds a handshake-generated keypair and its PEM encodings.
type RSAKeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateRSAKeyPair generates an RSA keypair of the given bit size.
// The passthrough handshake uses 1024 bits; larger sizes are accepted
// for callers that want stronger keys.
func GenerateRSAKeyPair(bits int) (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.NewProtocolError("failed to generate RSA keypair", err)
	}
	return &RSAKeyPair{Private: key, Public: &key.PublicKey}, nil
}

// PublicKeyPEM renders the public key as a PKCS#1 PEM block, the form
// the device's handshake response expects.
func (kp *RSAKeyPair) PublicKeyPEM() (string, error) {
	der := x509.MarshalPKCS1PublicKey(kp.Public)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecryptPKCS1v15 decrypts data the device encrypted under our public
// key during the handshake (the session key/IV exchange).
func (kp *RSAKeyPair) DecryptPKCS1v15(ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, kp.Private, ciphertext)
	if err != nil {
		return nil, errors.NewProtocolError("failed to decrypt RSA handshake payload", err)
	}
	return plaintext, nil
}

// ParsePKCS1PublicKeyPEM parses a PEM-encoded PKCS#1 RSA public key,
// the shape PublicKeyPEM produces for the passthrough handshake request.
func ParsePKCS1PublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.NewProtocolError("failed to decode PEM public key", nil)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.NewProtocolError("failed to parse PKCS#1 public key", err)
	}
	return pub, nil
}

// EncryptPKCS1v15 encrypts data under an RSA public key using PKCS#1
// v1.5 padding, the scheme the passthrough handshake's key exchange uses.
func EncryptPKCS1v15(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	if err != nil {
		return nil, errors.NewProtocolError("failed to RSA encrypt payload", err)
	}
	return ciphertext, nil
}

// HMACSHA256Sign computes the SHA-256-based signature construction
// KLAP and H200 both use in place of a standard HMAC: SHA256(key||message).
func HMACSHA256Sign(key, message []byte) []byte {
	return Sha256(Concat(key, message))
}

// VerifyHMACSHA256 reports whether signature matches HMACSHA256Sign(key, message).
func VerifyHMACSHA256(key, message, signature []byte) bool {
	return bytes.Equal(HMACSHA256Sign(key, message), signature)
}

// DigestString renders a digest as an error-friendly short hex prefix,
// useful only for log context, never for comparisons.
func DigestString(digest []byte) string {
	return fmt.Sprintf("%x", digest)[:minInt(16, len(digest)*2)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
