package hydrate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMissingSecretsKey = errors.New("project has sealed secrets but no secrets key is configured")
	ErrInvalidKey        = errors.New("secrets key must be 32 bytes")
	ErrSealedTooShort    = errors.New("sealed secrets shorter than nonce")
)

// ParseKey decodes a base64 (standard or URL, padded or not) 32-byte key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != chacha20poly1305.KeySize {
				return nil, ErrInvalidKey
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("ParseKey: not base64")
}

// SealSecrets encrypts env vars as nonce || XChaCha20-Poly1305(JSON).
// projectID is bound as associated data so a box cannot be moved to
// another project.
func SealSecrets(key []byte, projectID string, env map[string]string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("SealSecrets: %w", ErrInvalidKey)
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("SealSecrets: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("SealSecrets: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(projectID)), nil
}

// OpenSecrets reverses SealSecrets.
func OpenSecrets(key []byte, projectID string, sealed []byte) (map[string]string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("OpenSecrets: %w", ErrInvalidKey)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(projectID))
	if err != nil {
		return nil, fmt.Errorf("OpenSecrets: %w", err)
	}
	var env map[string]string
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("OpenSecrets: %w", err)
	}
	return env, nil
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// renderDotenv writes env as sorted KEY="value" lines. Keys that are not
// valid shell identifiers are returned in skipped.
func renderDotenv(env map[string]string) (out string, skipped []string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envKey.MatchString(k) {
			skipped = append(skipped, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sort.Strings(skipped)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(dotenvEscaper.Replace(env[k]))
		b.WriteString("\"\n")
	}
	return b.String(), skipped
}

var dotenvEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "$", `\$`)
