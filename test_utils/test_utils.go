package test_utils

import (
	"crypto/rand"
	"encoding/hex"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/crypto_engine"
	"github.com/veilchat/go-veilchat-sdk/symmetric_key"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var (
	ErrorSyntheticTestError = utils.NewVeilError("SYNTHETIC_TEST_ERROR", "Synthetic test error")
)

// NewTestEngine returns an engine on a fresh random key, so tests do not pay for scrypt.
func NewTestEngine(t testing.TB) *crypto_engine.Engine {
	key, err := symmetric_key.Generate()
	if err != nil {
		t.Fatal(tracerr.Sprint(err))
	}
	return crypto_engine.NewWithKey(key, false, zerolog.Nop())
}

// CountingCipher wraps a Cipher and counts calls.
type CountingCipher struct {
	Cipher        crypto_engine.Cipher
	EncryptCalls  atomic.Int32
	DecryptCalls  atomic.Int32
	FailEncryptOn func(payload any) bool
}

func (c *CountingCipher) Encrypt(payload any, enabled bool) (*common_models.Envelope, error) {
	c.EncryptCalls.Add(1)
	if c.FailEncryptOn != nil && c.FailEncryptOn(payload) {
		return nil, tracerr.Wrap(ErrorSyntheticTestError)
	}
	return c.Cipher.Encrypt(payload, enabled)
}

func (c *CountingCipher) Decrypt(envelope *common_models.Envelope, enabled bool) any {
	c.DecryptCalls.Add(1)
	return c.Cipher.Decrypt(envelope, enabled)
}

// GetTestOutputDir returns a fresh directory under test_output for the current test.
func GetTestOutputDir(t testing.TB) string {
	dir := filepath.Join(t.TempDir(), "test_output")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func GetRandomString(length int) string {
	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		panic("Error generating random in GetRandomString:" + err.Error())
	}
	str := hex.EncodeToString(b)
	return str[0:length]
}
