package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// RefreshSecretBytes is the entropy of a cloud-generated refresh secret.
const RefreshSecretBytes = 48

const bcryptCost = 12

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateSecureToken generates a cryptographically secure random token of
// length random bytes, URL-safe base64 encoded without padding.
func GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("token length must be positive")
	}
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateRefreshSecret returns a fresh long-lived device refresh secret.
func GenerateRefreshSecret() (string, error) {
	return GenerateSecureToken(RefreshSecretBytes)
}

// DigestSecret is the stored form of a refresh secret. Refresh secrets carry
// at least 48 random bytes, so a fast digest is sufficient and lets the
// digest double as the lookup value for out-of-band provisioning.
func DigestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CompareDigest reports whether two digests are equal in constant time.
func CompareDigest(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// DummyDigest is compared against when a device is unknown so that lookups
// for missing and present devices take the same path.
var DummyDigest = DigestSecret("kidgate-unknown-device")
