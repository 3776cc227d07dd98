// Package credgen generates credentials for accounts created during
// provisioning. Passwords come from crypto/rand and are rejection-sampled
// until they satisfy the requested complexity class.
package credgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Complexity selects the character classes a generated password must contain.
type Complexity string

const (
	// ComplexityLow draws from letters and digits with no class minimums.
	ComplexityLow Complexity = "low"

	// ComplexityMedium draws from letters and digits and requires at
	// least one character from each class.
	ComplexityMedium Complexity = "medium"

	// ComplexityHigh adds symbols to the alphabet and requires at least
	// two characters from every class.
	ComplexityHigh Complexity = "high"
)

// MinLength is the shortest password Generate will produce.
const MinLength = 16

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*()-_=+[]{}|;:,.<>?"
)

// ParseComplexity converts a string flag value into a Complexity.
func ParseComplexity(s string) (Complexity, error) {
	switch Complexity(strings.ToLower(s)) {
	case ComplexityLow:
		return ComplexityLow, nil
	case ComplexityMedium:
		return ComplexityMedium, nil
	case ComplexityHigh:
		return ComplexityHigh, nil
	default:
		return "", fmt.Errorf("unknown complexity %q, want low, medium, or high", s)
	}
}

// Generate produces a random password of the given length satisfying the
// complexity class. Lengths below MinLength are rejected.
func Generate(length int, complexity Complexity) (string, error) {
	if length < MinLength {
		return "", fmt.Errorf("password length must be at least %d characters, got %d", MinLength, length)
	}

	alphabet := lowerChars + upperChars + digitChars
	if complexity == ComplexityHigh {
		alphabet += symbolChars
	}

	for {
		password, err := randomString(length, alphabet)
		if err != nil {
			return "", err
		}
		if satisfies(password, complexity) {
			return password, nil
		}
	}
}

func randomString(length int, alphabet string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}

func satisfies(password string, complexity Complexity) bool {
	switch complexity {
	case ComplexityHigh:
		return countAny(password, lowerChars) >= 2 &&
			countAny(password, upperChars) >= 2 &&
			countAny(password, digitChars) >= 2 &&
			countAny(password, symbolChars) >= 2
	case ComplexityMedium:
		return countAny(password, lowerChars) >= 1 &&
			countAny(password, upperChars) >= 1 &&
			countAny(password, digitChars) >= 1
	default:
		return true
	}
}

func countAny(s, chars string) int {
	count := 0
	for _, c := range s {
		if strings.ContainsRune(chars, c) {
			count++
		}
	}
	return count
}
