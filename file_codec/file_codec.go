package file_codec

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"github.com/veilchat/go-veilchat-sdk/crypto_engine"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MaxFileSize is the largest attachment accepted, in bytes (5 MiB).
const MaxFileSize = 5 * 1024 * 1024

// DefaultFilename is used when a decrypted attachment carries no name.
const DefaultFilename = "decrypted_file"

const readChunkSize = 64 * 1024

var (
	// ErrorFileTooLarge is returned when an attachment exceeds MaxFileSize. Its details are meant to be shown to the user.
	ErrorFileTooLarge = utils.NewVeilError("FILE_CODEC_FILE_TOO_LARGE", "file size exceeds 5MB limit")
	// ErrorNoFile is returned when no file is given
	ErrorNoFile = utils.NewVeilError("FILE_CODEC_NO_FILE", "file cannot be nil")
	// ErrorEncryptFailed is returned when the cipher could not produce an envelope for the file
	ErrorEncryptFailed = utils.NewVeilError("FILE_CODEC_ENCRYPT_FAILED", "could not encrypt file")
	// ErrorCannotDecrypt is returned when an attachment cannot be turned into a download
	ErrorCannotDecrypt = utils.NewVeilError("FILE_CODEC_CANNOT_DECRYPT", "decryption failed")
	// ErrorGetFreeFilenameNoFreeFilename is returned when no free filename found (up to 99)
	ErrorGetFreeFilenameNoFreeFilename = utils.NewVeilError("FILE_CODEC_NO_FREE_FILENAME", "unable to find a free filename")
)

// File is an attachment waiting to be encrypted. Size is the declared size, checked before
// anything is read from Reader.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.Reader
}

// CheckSize rejects sizes above MaxFileSize.
func CheckSize(size int64) error {
	if size > MaxFileSize {
		return tracerr.Wrap(ErrorFileTooLarge.AddDetails(fmt.Sprintf("%d bytes, the limit is %d bytes", size, MaxFileSize)))
	}
	return nil
}

// readAll reads at most MaxFileSize+1 bytes, checking ctx between chunks.
func readAll(ctx context.Context, reader io.Reader) ([]byte, error) {
	var content []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, tracerr.Wrap(err)
		}
		chunk := make([]byte, utils.Min(readChunkSize, MaxFileSize+1-len(content)))
		n, err := reader.Read(chunk)
		content = append(content, chunk[:n]...)
		if len(content) > MaxFileSize {
			return nil, tracerr.Wrap(ErrorFileTooLarge.AddDetails(fmt.Sprintf("more than %d bytes read", MaxFileSize)))
		}
		if errors.Is(err, io.EOF) {
			return content, nil
		}
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
}

// EncryptFile reads the attachment and encrypts it as a FilePayload through c.
// Oversized files are rejected before any read.
func EncryptFile(ctx context.Context, c crypto_engine.Cipher, file *File, enabled bool) (*common_models.Envelope, error) {
	if file == nil || file.Reader == nil {
		return nil, tracerr.Wrap(ErrorNoFile)
	}
	if err := CheckSize(file.Size); err != nil {
		return nil, tracerr.Wrap(err)
	}

	content, err := readAll(ctx, file.Reader)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	payload := common_models.FilePayload{
		Name:          file.Name,
		MimeType:      file.MimeType,
		SizeBytes:     int64(len(content)),
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	}
	envelope, err := c.Encrypt(payload, enabled)
	if err != nil {
		return nil, tracerr.Wrap(ErrorEncryptFailed.AddDetails(err.Error()))
	}
	if envelope == nil {
		return nil, tracerr.Wrap(ErrorEncryptFailed)
	}
	return envelope, nil
}

// DecryptFile returns nil when the envelope cannot produce a download.
func DecryptFile(c crypto_engine.Cipher, envelope *common_models.Envelope, enabled bool) *common_models.ClearFile {
	decrypted := c.Decrypt(envelope, enabled)
	if crypto_engine.IsSentinel(decrypted) {
		return nil
	}
	payload, ok := common_models.FilePayloadFromValue(decrypted)
	if !ok || payload.ContentBase64 == "" {
		return nil
	}
	content, err := utils.Base64DecodeString(payload.ContentBase64)
	if err != nil {
		return nil
	}
	return &common_models.ClearFile{
		Name:     payload.Name,
		MimeType: payload.MimeType,
		Content:  content,
	}
}

// DecryptFileInfo returns the display metadata of an attachment, or nil.
func DecryptFileInfo(c crypto_engine.Cipher, envelope *common_models.Envelope, enabled bool) *common_models.FileInfo {
	payload, ok := common_models.FilePayloadFromValue(c.Decrypt(envelope, enabled))
	if !ok {
		return nil
	}
	return payload.Info()
}

// OpenFile stats the file at filePath and opens it if it fits under MaxFileSize. The caller closes the returned file.
func OpenFile(filePath string) (*File, io.Closer, error) {
	stat, err := os.Stat(filePath)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err = CheckSize(stat.Size()); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	osFile, err := os.Open(filePath)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(filePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &File{
		Name:     filepath.Base(filePath),
		MimeType: mimeType,
		Size:     stat.Size(),
		Reader:   osFile,
	}, osFile, nil
}

// EncryptFileFromPath is EncryptFile on a file from disk.
func EncryptFileFromPath(ctx context.Context, c crypto_engine.Cipher, filePath string, enabled bool) (*common_models.Envelope, error) {
	file, closer, err := OpenFile(filePath)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	defer closer.Close()

	envelope, err := EncryptFile(ctx, c, file, enabled)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return envelope, nil
}

func getFreeFilePath(basePath string, wantedFilename string, wantedExt string) (string, error) {
	iteration := 0
	iterationString := ""
	for iteration <= 99 {
		iterationPath := path.Join(basePath, wantedFilename+iterationString+wantedExt)
		_, err := os.Stat(iterationPath)
		if err != nil {
			return iterationPath, nil
		}
		iteration++
		iterationString = fmt.Sprintf(" (%d)", iteration)
	}
	return "", tracerr.Wrap(ErrorGetFreeFilenameNoFreeFilename)
}

// SaveClearFile writes a decrypted attachment into directory without overwriting anything,
// and returns the path written.
func SaveClearFile(directory string, clearFile *common_models.ClearFile) (string, error) {
	if clearFile == nil {
		return "", tracerr.Wrap(ErrorCannotDecrypt)
	}
	filename := filepath.Base(clearFile.Name)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = DefaultFilename
	}
	directory, err := filepath.Abs(directory)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	fileExt := filepath.Ext(filename)
	freeFilePath, err := getFreeFilePath(directory, strings.TrimSuffix(filename, fileExt), fileExt)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	err = os.WriteFile(freeFilePath, clearFile.Content, 0o600)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return freeFilePath, nil
}
