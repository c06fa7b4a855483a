// Package pkce implements the S256 Proof Key for Code Exchange checks used
// when a delegation token is exchanged for an access token.
//
// Only S256 is accepted. "plain" and unknown methods are rejected when the
// delegation request is created, not at exchange time. Every failure is the
// same PKCEValidationError to the caller; the wrapped reason is for logs.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// ChallengeMethod represents the PKCE challenge method
type ChallengeMethod string

const (
	// ChallengePlain is recognized only so it can be refused explicitly
	ChallengePlain ChallengeMethod = "plain"
	// ChallengeS256 is the only supported method
	ChallengeS256 ChallengeMethod = "S256"
)

const (
	minVerifierLength = 43
	maxVerifierLength = 128
	// base64url(SHA-256) without padding
	s256ChallengeLength = 43
)

const allowedVerifierChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// CodeVerifier represents a PKCE code verifier
type CodeVerifier struct {
	Value string
}

// CodeChallenge represents a PKCE code challenge
type CodeChallenge struct {
	Value  string
	Method ChallengeMethod
}

// GenerateCodeVerifier generates a cryptographically random code verifier
// of 43 base64url characters.
func GenerateCodeVerifier() (*CodeVerifier, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return &CodeVerifier{Value: base64.RawURLEncoding.EncodeToString(bytes)}, nil
}

// S256Challenge returns the S256 code challenge for this verifier
func (cv *CodeVerifier) S256Challenge() *CodeChallenge {
	return &CodeChallenge{
		Value:  computeS256(cv.Value),
		Method: ChallengeS256,
	}
}

// ValidateChallenge checks the challenge presented when a delegation request
// is created. It fails fast on anything but a well-formed S256 challenge.
func ValidateChallenge(challenge string, method string) error {
	switch ChallengeMethod(method) {
	case ChallengeS256:
	case ChallengePlain:
		return reject("plain challenge method is not supported")
	default:
		return reject(fmt.Sprintf("unsupported challenge method: %q", method))
	}

	if len(challenge) != s256ChallengeLength {
		return reject(fmt.Sprintf("S256 challenge must be %d characters, got %d", s256ChallengeLength, len(challenge)))
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return reject("challenge is not base64url encoded")
	}
	return nil
}

// Verify recomputes base64url(SHA256(verifier)) and compares it to the stored
// challenge in constant time
func Verify(verifier string, challenge string) error {
	if challenge == "" {
		return reject("stored code challenge is empty")
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return reject("code verifier must be between 43 and 128 characters")
	}
	if !isValidCodeVerifier(verifier) {
		return reject("code verifier contains invalid characters")
	}

	expected := computeS256(verifier)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return reject("code verifier does not match challenge")
	}
	return nil
}

func computeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func reject(reason string) error {
	return apperrors.Wrap(fmt.Errorf("%s", reason), apperrors.ErrCodePKCE, "code verifier validation failed")
}

// isValidCodeVerifier checks if the code verifier contains only allowed characters
func isValidCodeVerifier(verifier string) bool {
	for _, char := range verifier {
		if !strings.ContainsRune(allowedVerifierChars, char) {
			return false
		}
	}
	return true
}
