package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authToken signs the per-request JWT Upbit expects. Requests with
// parameters carry a SHA512 hash of the encoded query/body string.
func authToken(accessKey, secretKey, encodedQuery string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": accessKey,
		"nonce":      uuid.NewString(),
	}
	if encodedQuery != "" {
		sum := sha512.Sum512([]byte(encodedQuery))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("signing auth token: %w", err)
	}
	return token, nil
}
