package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sentinels() []error {
	return []error{
		ErrUnrecognizedScope,
		ErrInvalidCredentials,
		ErrAuthRateLimited,
		ErrAuthExpired,
		ErrNoData,
		ErrNoActivityID,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range sentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	s := sentinels()
	for i := 0; i < len(s); i++ {
		for j := i + 1; j < len(s); j++ {
			assert.NotEqual(t, s[i], s[j],
				"sentinel errors should be distinct: %q vs %q", s[i], s[j])
		}
	}
}
