package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSizeMatchesFormula(t *testing.T) {
	t.Parallel()

	size := HeaderSize(map[string]string{"a": "b", "c": "d"})
	assert.Equal(t, len("a: b\r\nc: d\r\n"), size)
	assert.Equal(t, 12, size)
}

func TestHeaderSizeEmpty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, HeaderSize(nil))
}

func TestEncodeBodyForCDPRoundTrips(t *testing.T) {
	t.Parallel()

	encoded, size, err := EncodeBodyForCDP(StringValue("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	decoded, err := DecodeValue(BytesValue{Type: "base64", Value: encoded})
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded)
}

func TestMergeCookiesIntoHeadersReplacesExistingCookieHeader(t *testing.T) {
	t.Parallel()

	base := map[string]string{"Cookie": "old=1", "Accept": "*/*"}
	merged := MergeCookiesIntoHeaders(base, []string{"a=1", "b=2"})

	assert.Equal(t, "a=1; b=2", merged["Cookie"])
	assert.Equal(t, "*/*", merged["Accept"])
}

func TestSameSiteRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SameSiteLax, SameSiteFromCDP(""))
	assert.Equal(t, SameSiteStrict, SameSiteFromCDP("Strict"))

	cdpValue, err := SameSiteToCDP(SameSiteNone)
	require.NoError(t, err)
	assert.Equal(t, "None", cdpValue)

	_, err = SameSiteToCDP(SameSite("bogus"))
	assert.Error(t, err)
}
