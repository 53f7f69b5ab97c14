package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const operatorTokenPrefix = "olc_"

// GenerateOperatorToken creates a new operator token.
// Format: olc_<uuid>_<random_secret>
func GenerateOperatorToken() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return fmt.Sprintf("%s%s_%s", operatorTokenPrefix, uuid.New().String(), hex.EncodeToString(secretBytes)), nil
}

// ValidTokenFormat checks if token has correct format
func ValidTokenFormat(token string) bool {
	if !strings.HasPrefix(token, operatorTokenPrefix) {
		return false
	}
	rest := token[len(operatorTokenPrefix):]
	if len(rest) != 36+1+64 || rest[36] != '_' {
		return false
	}
	_, err := uuid.Parse(rest[:36])
	return err == nil
}
