package tollwallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractToken(t *testing.T) {
	t.Run("Token on last line", func(t *testing.T) {
		output := "Sending 100 sats\nPreparing proofs...\ncashuBo2FteCJodHRwczovL3Rlc3Q\n"
		token, err := ExtractToken(output)
		assert.NoError(t, err)
		assert.Equal(t, "cashuBo2FteCJodHRwczovL3Rlc3Q", token)
	})

	t.Run("Token followed by trailing noise", func(t *testing.T) {
		output := "cashuAoldtoken\nsome progress line\ncashuBnewtoken\n"
		token, err := ExtractToken(output)
		assert.NoError(t, err)
		assert.Equal(t, "cashuBnewtoken", token)
	})

	t.Run("No token in output", func(t *testing.T) {
		_, err := ExtractToken("Error: insufficient funds\n")
		assert.Error(t, err)
	})

	t.Run("Empty output", func(t *testing.T) {
		_, err := ExtractToken("")
		assert.Error(t, err)
	})
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := ParseToken("invalid_token")
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	err := ValidateToken("invalid_token", 10, "https://nofees.testnut.cashu.space")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestNewTemp(t *testing.T) {
	wallet, err := NewTemp("https://nofees.testnut.cashu.space")
	assert.NoError(t, err)
	assert.DirExists(t, wallet.Dir())

	assert.NoError(t, wallet.Close())
	assert.NoDirExists(t, wallet.Dir())
}
