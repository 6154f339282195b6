// Package apikey mints API keys. Only the bcrypt hash and the lookup prefix
// are stored; the raw key is returned to the caller once.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// PrefixLen is the number of leading characters used to look a key up.
	PrefixLen = 8
	keyTag    = "tr_"
	secretLen = 24
)

// New mints a key for userID. It returns the raw key and the record to store.
func New(userID uuid.UUID, name string) (string, *models.APIKey, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := keyTag + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: Prefix(raw),
		Scopes:    []string{"tasks"},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Prefix returns the lookup prefix of raw, or "" if raw is too short.
func Prefix(raw string) string {
	if len(raw) < PrefixLen {
		return ""
	}
	return raw[:PrefixLen]
}

// Matches reports whether raw hashes to key.
func Matches(key *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil
}
