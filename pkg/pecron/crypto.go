package pecron

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
)

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newNonce returns a 16 character [0-9a-zA-Z] string used once per login.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	max := big.NewInt(int64(len(nonceAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = nonceAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// deriveKey is the upper-case hex MD5 of the nonce, characters 8 to 24.
func deriveKey(nonce string) string {
	sum := md5.Sum([]byte(nonce))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[8:24]
}

// encryptPassword encrypts with AES-128-CBC and PKCS#5 padding. The IV is the
// key with its halves swapped.
func encryptPassword(password, nonce string) (string, error) {
	key := deriveKey(nonce)
	iv := key[8:16] + key[0:8]

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}

	plain := pkcs5Pad([]byte(password), block.BlockSize())
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, []byte(iv)).CryptBlocks(out, plain)

	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs5Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// loginSignature is the hex SHA-256 of email, encrypted password, nonce and
// the region's user domain secret, concatenated.
func loginSignature(email, encryptedPassword, nonce, secret string) string {
	sum := sha256.Sum256([]byte(email + encryptedPassword + nonce + secret))
	return hex.EncodeToString(sum[:])
}
