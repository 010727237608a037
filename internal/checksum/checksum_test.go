package checksum

import (
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello")
const helloHex = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestCalculateSHA256(t *testing.T) {
	sum, n, err := CalculateSHA256(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, helloHex, sum)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, helloHex, Bytes([]byte("hello")))
}

func TestCalculateFileSHA256(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/x", []byte("hello"), 0o644))

	sum, n, err := CalculateFileSHA256(fs, "/x")
	require.NoError(t, err)
	assert.Equal(t, helloHex, sum)
	assert.Equal(t, int64(5), n)

	_, _, err = CalculateFileSHA256(fs, "/missing")
	assert.Error(t, err)
}

func TestBase64RoundTrip(t *testing.T) {
	b64, err := HexToBase64(helloHex)
	require.NoError(t, err)
	assert.Equal(t, "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", b64)

	back, err := Base64ToHex(b64)
	require.NoError(t, err)
	assert.Equal(t, helloHex, back)

	_, err = HexToBase64("abcd")
	assert.Error(t, err)
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(helloHex))
	assert.False(t, IsValid("xyz"))
	assert.False(t, IsValid(strings.Repeat("z", 64)))
}

func TestTeeReaderWithChecksum(t *testing.T) {
	tee := NewTeeReaderWithChecksum(strings.NewReader("hello"))

	_, err := tee.Checksum()
	assert.Error(t, err)

	data, err := io.ReadAll(tee)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), tee.BytesRead())

	sum, err := tee.Checksum()
	require.NoError(t, err)
	assert.Equal(t, helloHex, sum)
}
