package symmetric_key

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/scrypt"
)

const (
	// IVSize is the size in bytes of the CBC initialization vector (128 bits).
	IVSize = 16
	// MacSize is the size in bytes of the HMAC-SHA256 tag appended to each ciphertext.
	MacSize  = 32
	keyParts = 32
)

// passphraseSalt is fixed: every participant derives the same key from the same passphrase.
const passphraseSalt = "veilchat-shared-key|v1"

var (
	// ErrorDecodeInvalidLength is returned when decoding a key of invalid length
	ErrorDecodeInvalidLength = utils.NewVeilError("SYMKEY_DECODE_INVALID_LENGTH", "can't decode SymKey, invalid length")
	// ErrorPadInvalidBlockLen is returned when padding to an invalid length
	ErrorPadInvalidBlockLen = utils.NewVeilError("SYMKEY_PAD_INVALID_BLOCK_LEN", "invalid padding block length")
	// ErrorUnpadInvalidBlockLen is returned when the padding of a block has an invalid length
	ErrorUnpadInvalidBlockLen = utils.NewVeilError("SYMKEY_UNPAD_INVALID_BLOCK_LEN", "invalid unpadding block length")
	// ErrorUnpadInvalidDataLen is returned when the unpadded data has an invalid length
	ErrorUnpadInvalidDataLen = utils.NewVeilError("SYMKEY_UNPAD_INVALID_DATA_LEN", "invalid data length")
	// ErrorUnpadInvalidPadLen is returned when the padding length is invalid
	ErrorUnpadInvalidPadLen = utils.NewVeilError("SYMKEY_UNPAD_INVALID_PAD_LEN", "invalid padding length")
	// ErrorUnpadInvalidPad is returned when the padding is invalid
	ErrorUnpadInvalidPad = utils.NewVeilError("SYMKEY_UNPAD_INVALID_PAD", "invalid padding")
	// ErrorInvalidKeySize is returned when the key has an invalid size
	ErrorInvalidKeySize = utils.NewVeilError("SYMKEY_INVALID_KEY_SIZE", "invalid key size")
	// ErrorInvalidIVSize is returned when the given IV is not 16 bytes long
	ErrorInvalidIVSize = utils.NewVeilError("SYMKEY_INVALID_IV_SIZE", "invalid IV size")
	// ErrorDecryptCipherTooShort is returned when the data is too short to contain a block and a MAC
	ErrorDecryptCipherTooShort = utils.NewVeilError("SYMKEY_DECRYPT_CIPHER_TOO_SHORT", "ciphertext is too short")
	// ErrorDecryptCipherInvalid is returned when the ciphertext has invalid length (not full blocks)
	ErrorDecryptCipherInvalid = utils.NewVeilError("SYMKEY_DECRYPT_CIPHER_INVALID", "ciphertext is invalid")
	// ErrorDecryptMacMismatch is returned when the decrypted mac does not match
	ErrorDecryptMacMismatch = utils.NewVeilError("SYMKEY_DECRYPT_MAC_MISMATCH", "macs do not match")
	// ErrorEmptyPassphrase is returned when deriving a key from an empty passphrase
	ErrorEmptyPassphrase = utils.NewVeilError("SYMKEY_EMPTY_PASSPHRASE", "passphrase cannot be empty")
)

// SymKey is an AES-256-CBC key paired with an HMAC-SHA256 key (encrypt-then-MAC).
type SymKey struct {
	encryptionKey []byte
	hmacKey       []byte
}

func Generate() (*SymKey, error) {
	randomData, err := utils.GenerateRandomBytes(2 * keyParts)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	symKey := SymKey{
		encryptionKey: randomData[:keyParts],
		hmacKey:       randomData[keyParts:],
	}
	return &symKey, nil
}

// DeriveFromPassphrase stretches a configured passphrase into a SymKey with scrypt.
// The same passphrase always gives the same key.
func DeriveFromPassphrase(passphrase string) (*SymKey, error) {
	if passphrase == "" {
		return nil, tracerr.Wrap(ErrorEmptyPassphrase)
	}
	N := 16384
	r := 8
	p := 1
	derived, err := scrypt.Key(utils.NormalizeString(passphrase), utils.NormalizeString(passphraseSalt), N, r, p, 2*keyParts)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	key, err := Decode(derived)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &key, nil
}

func (symKey *SymKey) Encode() []byte {
	encodedSymKey := make([]byte, 2*keyParts)
	copy(encodedSymKey, symKey.hmacKey)
	copy(encodedSymKey[keyParts:], symKey.encryptionKey)
	return encodedSymKey
}

func Decode(key []byte) (SymKey, error) {
	if len(key) != 2*keyParts {
		return SymKey{}, tracerr.Wrap(ErrorDecodeInvalidLength)
	}
	buff := make([]byte, len(key))
	copy(buff, key)
	symKey := SymKey{
		encryptionKey: buff[keyParts:],
		hmacKey:       buff[:keyParts],
	}
	return symKey, nil
}

func (symKey *SymKey) checkSize() error {
	if len(symKey.hmacKey) != keyParts || len(symKey.encryptionKey) != keyParts {
		return tracerr.Wrap(ErrorInvalidKeySize)
	}
	return nil
}

func aesEncrypt(iv []byte, encryptionKey []byte, plaintext []byte) ([]byte, error) {
	aesCipher, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	encrypter := cipher.NewCBCEncrypter(aesCipher, iv)

	plainTextBytes := make([]byte, len(plaintext))
	copy(plainTextBytes, plaintext)
	plainTextBytes, err = pkcs7Pad(plainTextBytes, encrypter.BlockSize())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	cipherText := make([]byte, len(plainTextBytes))
	encrypter.CryptBlocks(cipherText, plainTextBytes)

	return cipherText, nil
}

func aesDecrypt(iv []byte, encryptionKey []byte, cipherText []byte) ([]byte, error) {
	aesCipher, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	decrypter := cipher.NewCBCDecrypter(aesCipher, iv)
	if len(cipherText)%decrypter.BlockSize() != 0 { // should never hit this, as the mac error should hit first
		return nil, tracerr.Wrap(ErrorDecryptCipherInvalid)
	}
	plainTextBytes := make([]byte, len(cipherText))
	decrypter.CryptBlocks(plainTextBytes, cipherText)

	plainTextBytes, err = pkcs7Unpad(plainTextBytes, decrypter.BlockSize())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return plainTextBytes, nil
}

func calculateHMAC(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, part := range parts {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

// Appends padding.
func pkcs7Pad(data []byte, blocklen int) ([]byte, error) {
	if blocklen <= 0 {
		return nil, tracerr.Wrap(ErrorPadInvalidBlockLen.AddDetails(fmt.Sprintf("%d", blocklen)))
	}
	padlen := blocklen - len(data)%blocklen

	pad := bytes.Repeat([]byte{byte(padlen)}, padlen)
	return append(data, pad...), nil
}

// Returns slice of the original data without padding.
func pkcs7Unpad(data []byte, blocklen int) ([]byte, error) {
	if blocklen <= 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidBlockLen.AddDetails(fmt.Sprintf("%d", blocklen)))
	}
	if len(data)%blocklen != 0 || len(data) == 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidDataLen.AddDetails(fmt.Sprintf("%d", len(data))))
	}
	padlen := int(data[len(data)-1])
	if padlen > blocklen || padlen == 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidPadLen)
	}
	pad := data[len(data)-padlen:]
	for i := 0; i < padlen; i++ {
		if pad[i] != byte(padlen) {
			return nil, tracerr.Wrap(ErrorUnpadInvalidPad)
		}
	}

	return data[:len(data)-padlen], nil
}

// EncryptWithIV encrypts plaintext under a fresh random IV. It returns the IV separately and
// `ciphertext || HMAC(iv || ciphertext)` as data.
func (symKey *SymKey) EncryptWithIV(plaintext []byte) (iv []byte, data []byte, err error) {
	if err = symKey.checkSize(); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	iv, err = utils.GenerateRandomBytes(IVSize)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	cipherText, err := aesEncrypt(iv, symKey.encryptionKey, plaintext)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}

	mac := calculateHMAC(symKey.hmacKey, iv, cipherText)
	return iv, append(cipherText, mac...), nil
}

// DecryptWithIV checks the MAC over iv and ciphertext, then decrypts.
func (symKey *SymKey) DecryptWithIV(iv []byte, data []byte) ([]byte, error) {
	if err := symKey.checkSize(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if len(iv) != IVSize {
		return nil, tracerr.Wrap(ErrorInvalidIVSize.AddDetails(fmt.Sprintf("%d", len(iv))))
	}
	if len(data) < aes.BlockSize+MacSize {
		return nil, tracerr.Wrap(ErrorDecryptCipherTooShort)
	}

	cipherText := data[:len(data)-MacSize]
	mac := data[len(data)-MacSize:]

	if !hmac.Equal(mac, calculateHMAC(symKey.hmacKey, iv, cipherText)) {
		return nil, tracerr.Wrap(ErrorDecryptMacMismatch)
	}

	plainText, err := aesDecrypt(iv, symKey.encryptionKey, cipherText)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return plainText, nil
}
