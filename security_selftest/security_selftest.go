package security_selftest

import (
	"context"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/crypto_engine"
	"github.com/veilchat/go-veilchat-sdk/file_codec"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	testFileName     = "test.txt"
	testFileContent  = "TEST FILE CONTENT"
	testFileMimeType = "text/plain"
	markerPrefix     = "SECURITY_TEST_"
)

// SecurityStatus is the result of one self-test run. Each field is the result of one probe.
type SecurityStatus struct {
	UsingSecureKey        bool `json:"usingSecureKey"`
	TextEncryptionWorking bool `json:"textEncryptionWorking"`
	FileEncryptionWorking bool `json:"fileEncryptionWorking"`
	IVsUnique             bool `json:"ivsUnique"`
	TamperProof           bool `json:"tamperProof"`
}

// AllPassed reports whether every probe passed.
func (s SecurityStatus) AllPassed() bool {
	return s.UsingSecureKey && s.TextEncryptionWorking && s.FileEncryptionWorking && s.IVsUnique && s.TamperProof
}

// Runner runs the self-test against a cipher. Runs are serialized, and Status only ever
// returns the result of a complete run.
type Runner struct {
	cipher          crypto_engine.Cipher
	usingDefaultKey bool
	logger          zerolog.Logger

	runLock sync.Mutex
	running atomic.Bool
	closed  atomic.Bool
	status  atomic.Pointer[SecurityStatus]
}

func NewRunner(cipher crypto_engine.Cipher, usingDefaultKey bool, logger zerolog.Logger) *Runner {
	r := &Runner{cipher: cipher, usingDefaultKey: usingDefaultKey, logger: logger}
	r.status.Store(&SecurityStatus{})
	return r
}

// Status returns the result of the last complete run. Before any run, every probe is false.
func (r *Runner) Status() SecurityStatus {
	return *r.status.Load()
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Close makes the runner discard the results of current and future runs.
func (r *Runner) Close() {
	r.closed.Store(true)
}

// Run waits for any in-flight run, then runs all probes and publishes their result.
func (r *Runner) Run(ctx context.Context, enabled bool) SecurityStatus {
	r.runLock.Lock()
	defer r.runLock.Unlock()
	return r.run(ctx, enabled)
}

// TryRun runs the probes unless a run is already in flight, in which case it returns false.
func (r *Runner) TryRun(ctx context.Context, enabled bool) (SecurityStatus, bool) {
	if !r.runLock.TryLock() {
		return r.Status(), false
	}
	defer r.runLock.Unlock()
	return r.run(ctx, enabled), true
}

func (r *Runner) run(ctx context.Context, enabled bool) SecurityStatus {
	r.running.Store(true)
	defer r.running.Store(false)

	status := SecurityStatus{
		UsingSecureKey:        enabled && !r.usingDefaultKey,
		TextEncryptionWorking: r.probeText(enabled),
		FileEncryptionWorking: r.probeFile(ctx, enabled),
		IVsUnique:             r.probeIVs(enabled),
		TamperProof:           r.probeTamper(enabled),
	}

	if r.closed.Load() {
		r.logger.Debug().Msg("Runner closed, discarding security test results")
		return r.Status()
	}
	if ctx.Err() != nil {
		r.logger.Debug().Msg("Context done, discarding security test results")
		return r.Status()
	}
	r.status.Store(&status)
	r.logger.Info().
		Bool("usingSecureKey", status.UsingSecureKey).
		Bool("textEncryptionWorking", status.TextEncryptionWorking).
		Bool("fileEncryptionWorking", status.FileEncryptionWorking).
		Bool("ivsUnique", status.IVsUnique).
		Bool("tamperProof", status.TamperProof).
		Msg("Security tests done")
	return status
}

func (r *Runner) probeText(enabled bool) bool {
	if !enabled {
		return false
	}
	suffix, err := utils.GenerateRandomHex(8)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Text probe: cannot generate marker")
		return false
	}
	marker := markerPrefix + suffix
	envelope, err := r.cipher.Encrypt(marker, true)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Text probe: encryption failed")
		return false
	}
	return r.cipher.Decrypt(envelope, true) == marker
}

func (r *Runner) probeFile(ctx context.Context, enabled bool) bool {
	if !enabled {
		return false
	}
	file := &file_codec.File{
		Name:     testFileName,
		MimeType: testFileMimeType,
		Size:     int64(len(testFileContent)),
		Reader:   strings.NewReader(testFileContent),
	}
	envelope, err := file_codec.EncryptFile(ctx, r.cipher, file, true)
	if err != nil {
		r.logger.Warn().Err(err).Msg("File probe: encryption failed")
		return false
	}
	clearFile := file_codec.DecryptFile(r.cipher, envelope, true)
	return clearFile != nil && string(clearFile.Content) == testFileContent
}

func (r *Runner) probeIVs(enabled bool) bool {
	if !enabled {
		return false
	}
	first, err := r.cipher.Encrypt("test1", true)
	if err != nil {
		return false
	}
	second, err := r.cipher.Encrypt("test2", true)
	if err != nil {
		return false
	}
	if first.IV == nil || second.IV == nil {
		return false
	}
	return *first.IV != *second.IV
}

func (r *Runner) probeTamper(enabled bool) bool {
	if !enabled {
		return false
	}
	envelope, err := r.cipher.Encrypt("tamper test", true)
	if err != nil {
		return false
	}
	content, ok := envelope.Content.(string)
	if !ok {
		return false
	}
	tampered := &common_models.Envelope{
		IV:          envelope.IV,
		Content:     content + "x",
		IsEncrypted: envelope.IsEncrypted,
		Timestamp:   envelope.Timestamp,
	}
	return r.cipher.Decrypt(tampered, true) == crypto_engine.SentinelDecryptionError
}
