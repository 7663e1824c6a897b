package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"keepalive/pkg/logx"
)

// Encrypted secrets file layout: [salt][nonce][ciphertext+tag].
const (
	secretsDirName  = ".keepalive"
	secretsFileName = "secrets.json.enc"

	saltSize  = 16
	nonceSize = 12
	scryptN   = 32768 // 2^15
	scryptR   = 8
	scryptP   = 1
	keySize   = 32 // AES-256
)

var (
	// decryptedSecrets holds secrets after a successful LoadSecrets.
	// GetSecret consults it before the environment so a decrypted store
	// wins over stale workflow env vars.
	decryptedSecrets   = make(map[string]string)
	decryptedSecretsMu sync.RWMutex

	secretsLogger = logx.NewLogger("secrets")
)

// SecretsPath returns the location of the encrypted secrets file under dir.
func SecretsPath(dir string) string {
	return filepath.Join(dir, secretsDirName, secretsFileName)
}

// SecretsExist reports whether dir carries an encrypted secrets file.
func SecretsExist(dir string) bool {
	info, err := os.Stat(SecretsPath(dir))
	return err == nil && !info.IsDir()
}

// GetSecret resolves a named secret: decrypted store first, then the
// environment. Empty string means unset.
func GetSecret(name string) string {
	decryptedSecretsMu.RLock()
	value, ok := decryptedSecrets[name]
	decryptedSecretsMu.RUnlock()
	if ok && value != "" {
		return value
	}
	return os.Getenv(name)
}

// SetSecret stores a secret in memory. It is not persisted until SaveSecrets.
func SetSecret(name, value string) {
	decryptedSecretsMu.Lock()
	decryptedSecrets[name] = value
	decryptedSecretsMu.Unlock()
}

// DeleteSecret removes a secret from the in-memory store.
func DeleteSecret(name string) {
	decryptedSecretsMu.Lock()
	delete(decryptedSecrets, name)
	decryptedSecretsMu.Unlock()
}

// ClearSecrets wipes the in-memory store.
func ClearSecrets() {
	decryptedSecretsMu.Lock()
	decryptedSecrets = make(map[string]string)
	decryptedSecretsMu.Unlock()
}

// SecretNames returns the names currently held in memory, unsorted.
func SecretNames() []string {
	decryptedSecretsMu.RLock()
	defer decryptedSecretsMu.RUnlock()
	names := make([]string, 0, len(decryptedSecrets))
	for name := range decryptedSecrets {
		names = append(names, name)
	}
	return names
}

// LoadSecrets decrypts the secrets file under dir into the in-memory store.
// The password slice is zeroed before returning.
func LoadSecrets(password []byte, dir string) error {
	defer zeroBytes(password)

	path := SecretsPath(dir)
	ensureSecretsFileMode(path)

	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	plaintext, err := DecryptSecrets(password, blob)
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return fmt.Errorf("failed to parse decrypted secrets: %w", err)
	}

	decryptedSecretsMu.Lock()
	decryptedSecrets = secrets
	decryptedSecretsMu.Unlock()

	secretsLogger.Info("🔑 Loaded %d secrets from %s", len(secrets), path)
	return nil
}

// SaveSecrets encrypts the in-memory store to the secrets file under dir,
// creating the directory as needed. File mode is always 0600.
func SaveSecrets(password []byte, dir string) error {
	defer zeroBytes(password)

	decryptedSecretsMu.RLock()
	snapshot := make(map[string]string, len(decryptedSecrets))
	for name, value := range decryptedSecrets {
		snapshot[name] = value
	}
	decryptedSecretsMu.RUnlock()

	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	blob, err := EncryptSecrets(password, plaintext)
	if err != nil {
		return err
	}

	path := SecretsPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}

	secretsLogger.Info("🔑 Saved %d secrets to %s", len(snapshot), path)
	return nil
}

// EncryptSecrets seals plaintext with a scrypt-derived AES-256-GCM key.
// Output layout: [salt][nonce][ciphertext+tag].
func EncryptSecrets(password, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// DecryptSecrets opens a blob produced by EncryptSecrets.
func DecryptSecrets(password, blob []byte) ([]byte, error) {
	minSize := saltSize + nonceSize + 16 // GCM tag
	if len(blob) < minSize {
		return nil, fmt.Errorf("secrets file too small: %d bytes, need at least %d", len(blob), minSize)
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets (wrong password?): %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ensureSecretsFileMode tightens the secrets file to 0600 when a looser mode
// is found, logging the fix.
func ensureSecretsFileMode(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		secretsLogger.Warn("secrets file %s has mode %o, fixing to 0600", path, perm)
		if err := os.Chmod(path, 0o600); err != nil {
			secretsLogger.Warn("failed to fix secrets file mode: %v", err)
		}
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
