package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesSortsKeys(t *testing.T) {
	got, err := Bytes([]byte(`{"b":1,"a":2,"c":{"z":true,"y":null}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":null,"z":true}}`, string(got))
}

func TestBytesStripsInsignificantWhitespace(t *testing.T) {
	compact, err := Bytes([]byte(`{"a": 1, "b": [1, 2, 3]}`))
	require.NoError(t, err)
	spaced, err := Bytes([]byte("{\n  \"b\": [1,\n 2, 3],\n  \"a\": 1\n}"))
	require.NoError(t, err)
	assert.Equal(t, compact, spaced)
}

func TestBytesNormalisesNumbers(t *testing.T) {
	cases := map[string]string{
		`{"n":1.0}`:    `{"n":1}`,
		`{"n":1e2}`:    `{"n":100}`,
		`{"n":0.5}`:    `{"n":0.5}`,
		`{"n":-3.00}`:  `{"n":-3}`,
		`{"n":2.5e-1}`: `{"n":0.25}`,
	}
	for in, want := range cases {
		got, err := Bytes([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, string(got), in)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]interface{}{
		"zeta":  []interface{}{3, 1, 2},
		"alpha": map[string]interface{}{"k": "v"},
	}
	a, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		b, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestHashStableAcrossEquivalentDocs(t *testing.T) {
	a, err := Bytes([]byte(`{"x": 1.0, "y": "s"}`))
	require.NoError(t, err)
	b, err := Bytes([]byte(`{"y":"s","x":1}`))
	require.NoError(t, err)
	assert.Equal(t, Hash(a), Hash(b))
}

func TestFingerprintDependsOnEveryPart(t *testing.T) {
	params := []byte(`{"to":"x"}`)
	base := Fingerprint("email.send", params, 0)

	assert.Equal(t, base, Fingerprint("email.send", params, 0))
	assert.NotEqual(t, base, Fingerprint("email.send", params, 1))
	assert.NotEqual(t, base, Fingerprint("email.sendv2", params, 0))
	assert.NotEqual(t, base, Fingerprint("email.send", []byte(`{"to":"y"}`), 0))
}

func TestBytesRejectsMalformedInput(t *testing.T) {
	_, err := Bytes([]byte(`{"a":`))
	assert.Error(t, err)
}
