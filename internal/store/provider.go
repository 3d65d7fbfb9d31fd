package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nidhogg/copartner/internal/provider"
)

// EncryptKeyEnv names the variable holding the 64-hex-char AES key used for
// stored provider API keys.
const EncryptKeyEnv = "COPARTNER_ENCRYPT_KEY"

// ErrNoEncryptKey is returned when an API key must be stored or read and
// no encryption key is configured.
var ErrNoEncryptKey = errors.New(EncryptKeyEnv + " not set")

// ProviderRow is a provider registered at runtime, with its API key in
// plaintext in memory and encrypted in the database.
type ProviderRow struct {
	Config    provider.ProviderConfig `json:"config"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func encryptKey() ([]byte, error) {
	keyHex := os.Getenv(EncryptKeyEnv)
	if keyHex == "" {
		return nil, ErrNoEncryptKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EncryptKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 64 hex chars (32 bytes), got %d bytes", EncryptKeyEnv, len(key))
	}
	return key, nil
}

func encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	key, err := encryptKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	key, err := encryptKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SaveProvider inserts or replaces a provider registration.
func (s *Store) SaveProvider(ctx context.Context, cfg provider.ProviderConfig) error {
	encKey, err := encrypt(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api_key: %w", err)
	}
	modelsJSON, _ := json.Marshal(cfg.Models)
	capsJSON, _ := json.Marshal(cfg.Capabilities)
	extraJSON, _ := json.Marshal(cfg.Extra)
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, type, endpoint, api_key_enc, models, capabilities,
			offline_capable, timeout_ms, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, type = excluded.type, endpoint = excluded.endpoint,
			api_key_enc = excluded.api_key_enc, models = excluded.models,
			capabilities = excluded.capabilities, offline_capable = excluded.offline_capable,
			timeout_ms = excluded.timeout_ms, extra = excluded.extra, updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Type, cfg.Endpoint, encKey, string(modelsJSON), string(capsJSON),
		cfg.OfflineCapable, cfg.Timeout.Milliseconds(), string(extraJSON), now, now)
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a provider by ID.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

// ListProviders returns every stored provider with decrypted API keys.
func (s *Store) ListProviders(ctx context.Context) ([]ProviderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, endpoint, api_key_enc, models, capabilities,
			offline_capable, timeout_ms, extra, created_at, updated_at
		FROM providers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderRow
	for rows.Next() {
		var (
			p                    ProviderRow
			encKey               []byte
			models, caps, extra  sql.NullString
			timeoutMS            int64
			createdAt, updatedAt sql.NullString
		)
		if err := rows.Scan(&p.Config.ID, &p.Config.Name, &p.Config.Type, &p.Config.Endpoint, &encKey,
			&models, &caps, &p.Config.OfflineCapable, &timeoutMS, &extra, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if p.Config.APIKey, err = decrypt(encKey); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Config.ID, err)
		}
		_ = json.Unmarshal([]byte(models.String), &p.Config.Models)
		_ = json.Unmarshal([]byte(caps.String), &p.Config.Capabilities)
		_ = json.Unmarshal([]byte(extra.String), &p.Config.Extra)
		p.Config.Timeout = time.Duration(timeoutMS) * time.Millisecond
		p.CreatedAt, p.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
