package crypto_engine

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"github.com/gibson042/canonicaljson-go"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/symmetric_key"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"time"
	"unicode/utf8"
)

// DefaultEncryptionKey is the insecure passphrase used when none is configured.
// The self-test reports it through SecurityStatus.UsingSecureKey.
const DefaultEncryptionKey = "default-strong-key-123!@#"

// Sentinel is returned by Decrypt in place of a value to name a specific failure.
type Sentinel string

const (
	// SentinelInvalidFormat means the envelope claims to be encrypted but lacks its iv or content.
	SentinelInvalidFormat Sentinel = "INVALID_ENCRYPTION_FORMAT"
	// SentinelDecryptionFailed means the envelope authenticated but did not yield usable plaintext.
	SentinelDecryptionFailed Sentinel = "DECRYPTION_FAILED"
	// SentinelDecryptionError means the envelope could not be authenticated: tampered, truncated,
	// or encrypted under another key.
	SentinelDecryptionError Sentinel = "DECRYPTION_ERROR"
)

func (s Sentinel) String() string {
	return string(s)
}

// IsSentinel reports whether a Decrypt result is a failure sentinel.
func IsSentinel(value any) bool {
	_, ok := value.(Sentinel)
	return ok
}

var (
	// ErrorEncryptNoKey is returned when the engine has no key
	ErrorEncryptNoKey = utils.NewVeilError("CRYPTO_ENGINE_NO_KEY", "engine has no key")
	// ErrorEncryptCannotSerialize is returned when the payload cannot be serialized to JSON
	ErrorEncryptCannotSerialize = utils.NewVeilError("CRYPTO_ENGINE_CANNOT_SERIALIZE", "payload cannot be serialized")
	// ErrorNonCanonicalContent is returned when the content decodes but is not in canonical base64
	ErrorNonCanonicalContent = utils.NewVeilError("CRYPTO_ENGINE_NON_CANONICAL_CONTENT", "content is not canonical base64")
)

// Cipher is what the rest of the SDK needs from the engine.
type Cipher interface {
	// Encrypt returns a nil envelope and an error when the payload could not be encrypted.
	Encrypt(payload any, enabled bool) (*common_models.Envelope, error)
	// Decrypt returns the clear value, or a Sentinel. It never fails otherwise.
	Decrypt(envelope *common_models.Envelope, enabled bool) any
}

// Engine encrypts JSON-serializable payloads under one shared symmetric key.
type Engine struct {
	key             *symmetric_key.SymKey
	usingDefaultKey bool
	logger          zerolog.Logger
	now             func() time.Time
}

// New derives the engine key from passphrase. An empty passphrase selects DefaultEncryptionKey.
func New(passphrase string, logger zerolog.Logger) (*Engine, error) {
	if passphrase == "" {
		passphrase = DefaultEncryptionKey
	}
	key, err := symmetric_key.DeriveFromPassphrase(passphrase)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	usingDefaultKey := passphrase == DefaultEncryptionKey
	if usingDefaultKey {
		logger.Warn().Msg("No encryption key configured, using the insecure default key")
	}
	return NewWithKey(key, usingDefaultKey, logger), nil
}

// NewWithKey builds an engine around an existing key.
func NewWithKey(key *symmetric_key.SymKey, usingDefaultKey bool, logger zerolog.Logger) *Engine {
	return &Engine{
		key:             key,
		usingDefaultKey: usingDefaultKey,
		logger:          logger,
		now:             time.Now,
	}
}

// UsingDefaultKey reports whether the engine runs on DefaultEncryptionKey.
func (e *Engine) UsingDefaultKey() bool {
	return e.usingDefaultKey
}

func (e *Engine) Encrypt(payload any, enabled bool) (*common_models.Envelope, error) {
	if !enabled {
		return &common_models.Envelope{
			IV:          nil,
			Content:     payload,
			IsEncrypted: false,
			Timestamp:   e.now().UnixMilli(),
		}, nil
	}
	if e.key == nil {
		return nil, tracerr.Wrap(ErrorEncryptNoKey)
	}

	serialized, err := canonicaljson.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Msg("Encryption error: cannot serialize payload")
		return nil, tracerr.Wrap(ErrorEncryptCannotSerialize.AddDetails(err.Error()))
	}
	iv, data, err := e.key.EncryptWithIV(serialized)
	if err != nil {
		e.logger.Error().Err(err).Msg("Encryption error")
		return nil, tracerr.Wrap(err)
	}

	ivHex := hex.EncodeToString(iv)
	envelope := &common_models.Envelope{
		IV:          &ivHex,
		Content:     base64.StdEncoding.EncodeToString(data),
		IsEncrypted: true,
		Timestamp:   e.now().UnixMilli(),
	}
	e.logger.Trace().Str("iv", ivHex).Int("size", len(data)).Msg("Payload encrypted")
	return envelope, nil
}

func (e *Engine) Decrypt(envelope *common_models.Envelope, enabled bool) any {
	if envelope == nil {
		return SentinelInvalidFormat
	}
	if !enabled || !envelope.IsEncrypted {
		return envelope.Content
	}
	content, ok := envelope.Content.(string)
	if envelope.IV == nil || *envelope.IV == "" || !ok || content == "" {
		return SentinelInvalidFormat
	}
	if e.key == nil {
		return SentinelDecryptionError
	}

	iv, err := hex.DecodeString(*envelope.IV)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Decryption error: invalid iv")
		return SentinelDecryptionError
	}
	data, err := decodeContent(content)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Decryption error: invalid content")
		return SentinelDecryptionError
	}
	plaintext, err := e.key.DecryptWithIV(iv, data)
	if err != nil {
		if isPaddingError(err) {
			e.logger.Warn().Err(err).Msg("Decryption failed")
			return SentinelDecryptionFailed
		}
		e.logger.Warn().Err(err).Msg("Decryption error")
		return SentinelDecryptionError
	}
	if len(plaintext) == 0 || !utf8.Valid(plaintext) {
		e.logger.Warn().Int("size", len(plaintext)).Msg("Decryption failed: no usable plaintext")
		return SentinelDecryptionFailed
	}

	var value any
	if err = json.Unmarshal(plaintext, &value); err != nil {
		return string(plaintext)
	}
	return value
}

// decodeContent only accepts the exact base64 that Encrypt produces, so that no edit of the
// content string can decode to the same bytes.
func decodeContent(content string) ([]byte, error) {
	data, err := base64.StdEncoding.Strict().DecodeString(content)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if base64.StdEncoding.EncodeToString(data) != content {
		return nil, tracerr.Wrap(ErrorNonCanonicalContent)
	}
	return data, nil
}

func isPaddingError(err error) bool {
	for _, target := range []error{
		symmetric_key.ErrorUnpadInvalidDataLen,
		symmetric_key.ErrorUnpadInvalidPadLen,
		symmetric_key.ErrorUnpadInvalidPad,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
