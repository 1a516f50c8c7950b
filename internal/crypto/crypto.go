package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/hostdeck/hostdeck/internal/database"
)

const keySetting = "fernet_key"

var (
	keyMu     sync.Mutex
	cachedKey *fernet.Key
)

// Key returns the installation's fernet key, generating and persisting one
// on first use.
func Key() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if cachedKey != nil {
		return cachedKey, nil
	}

	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cachedKey = &k
		return cachedKey, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cachedKey = key
	return cachedKey, nil
}

// ResetKeyCache drops the cached key so the next call reloads it.
func ResetKeyCache() {
	keyMu.Lock()
	cachedKey = nil
	keyMu.Unlock()
}

func Encrypt(plaintext string) (string, error) {
	key, err := Key()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. A ttl of zero accepts tokens of any age.
func Decrypt(ciphertext string, ttl time.Duration) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := Key()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), ttl, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid or expired token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
