package repository

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TicketCipher 票据加解密
type TicketCipher interface {
	Encode(plain []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

var errCiphertextTooShort = errors.New("密文长度不足")

// chachaTicketCipher XChaCha20-Poly1305，密文格式为 nonce || sealed
type chachaTicketCipher struct {
	aead cipher.AEAD
}

// NewTicketCipher 使用 32 字节密钥创建加密器
func NewTicketCipher(key []byte) (TicketCipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("初始化票据加密失败: %w", err)
	}
	return &chachaTicketCipher{aead: aead}, nil
}

// NewTicketCipherFromBase64 使用 base64 编码的密钥创建加密器
func NewTicketCipherFromBase64(key string) (TicketCipher, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("解析票据密钥失败: %w", err)
	}
	return NewTicketCipher(raw)
}

func (c *chachaTicketCipher) Encode(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *chachaTicketCipher) Decode(data []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(data) < n+c.aead.Overhead() {
		return nil, errCiphertextTooShort
	}
	return c.aead.Open(nil, data[:n], data[n:], nil)
}

// DigestTicketID 加密存储时使用的票据 ID
func DigestTicketID(id string) string {
	sum := sha512.Sum512([]byte(id))
	return hex.EncodeToString(sum[:])
}
