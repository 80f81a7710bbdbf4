package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// JWTSecretKeys are the env variables both services must share
var JWTSecretKeys = []string{"JWT_SECRET", "JWT_SERVICE_SECRET"}

// SandboxSecretKeys are the PSP signing keys a local sandbox or a mock
// provider can be configured with. Production values come from each provider.
var SandboxSecretKeys = []string{"MOMO_SECRET_KEY", "VNPAY_HASH_SECRET", "ZALOPAY_KEY1", "ZALOPAY_KEY2"}

// GenerateSecret returns n random bytes, hex encoded
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateSecrets returns a 256-bit secret for each env key
func GenerateSecrets(keys ...string) (map[string]string, error) {
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		secret, err := GenerateSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", key, err)
		}
		secrets[key] = secret
	}
	return secrets, nil
}
