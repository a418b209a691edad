package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"caseflow/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed staff key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.StaffID == "" {
		return errors.New("staff_id required")
	}
	if key.Role == "" {
		return errors.New("role required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO staff_api_keys(id, staff_id, staff_name, role, name, key_hash, created_at) VALUES (?,?,?,?,?,?,?)`),
		key.ID, key.StaffID, nullable(key.StaffName), key.Role, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return domain.WrapStorage("insert api key", err)
}

const apiKeyColumns = `id, staff_id, COALESCE(staff_name,''), role, COALESCE(name,''), key_hash, created_at`

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+apiKeyColumns+` FROM staff_api_keys WHERE key_hash=? LIMIT 1`), hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.StaffID, &key.StaffName, &key.Role, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, domain.WrapStorage("get api key", err)
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by staff ID.
func (r Repo) ListAPIKeys(ctx context.Context, staffID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM staff_api_keys`
	var args []any
	if staffID != "" {
		query += ` WHERE staff_id=?`
		args = append(args, staffID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, domain.WrapStorage("list api keys", err)
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.StaffID, &key.StaffName, &key.Role, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, domain.WrapStorage("list api keys", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapStorage("list api keys", err)
	}
	return keys, nil
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM staff_api_keys WHERE id=?`), id)
	return domain.WrapStorage("delete api key", err)
}
