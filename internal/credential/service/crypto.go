package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"golang.org/x/crypto/hkdf"
	"gorm.io/datatypes"
)

const envelopeVersion = 1

var hkdfInfo = []byte("coursepay/gateway-settings/v1")

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts the secret fields of gateway_settings rows.
type Sealer struct {
	key []byte
}

// NewSealer derives an AES-256 key from secret. An empty secret yields a
// sealer that refuses to operate.
func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Sealer{}, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(fields credentialdomain.SecretFields) (datatypes.JSON, error) {
	if s == nil || len(s.key) == 0 {
		return nil, credentialdomain.ErrEncryptionKeyMissing
	}
	plain, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)

	return json.Marshal(encryptedPayload{
		Version:    envelopeVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
}

func (s *Sealer) Open(encrypted datatypes.JSON) (credentialdomain.SecretFields, error) {
	var fields credentialdomain.SecretFields
	if s == nil || len(s.key) == 0 {
		return fields, credentialdomain.ErrEncryptionKeyMissing
	}
	if len(encrypted) == 0 {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}

	var payload encryptedPayload
	if err := json.Unmarshal(encrypted, &payload); err != nil {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}
	if payload.Version != envelopeVersion {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}
	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}

	gcm, err := s.gcm()
	if err != nil {
		return fields, err
	}
	if len(nonce) != gcm.NonceSize() {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}
	if err := json.Unmarshal(plain, &fields); err != nil {
		return fields, credentialdomain.ErrInvalidGatewaySetting
	}
	return fields, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
