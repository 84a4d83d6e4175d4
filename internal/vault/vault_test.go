package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type creds struct {
	KeyID     string `json:"keyId"`
	SecretKey string `json:"secretKey"`
}

func newKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, name := range []string{CipherAESGCM, CipherChaCha20Poly1305} {
		t.Run(name, func(t *testing.T) {
			v, err := New(newKey(t), name)
			require.NoError(t, err)

			sealed, err := v.Seal(creds{KeyID: "AK", SecretKey: "SK"})
			require.NoError(t, err)

			var got creds
			require.NoError(t, v.Open(sealed, &got))
			assert.Equal(t, creds{KeyID: "AK", SecretKey: "SK"}, got)
		})
	}
}

func TestEnvelopeShape(t *testing.T) {
	v, err := New(newKey(t), "")
	require.NoError(t, err)
	sealed, err := v.Seal(map[string]string{"a": "b"})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	var env map[string]string
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Contains(t, env, "nonce")
	assert.Contains(t, env, "ciphertext")
	assert.Contains(t, env, "tag")

	nonce, _ := base64.StdEncoding.DecodeString(env["nonce"])
	tag, _ := base64.StdEncoding.DecodeString(env["tag"])
	assert.Len(t, nonce, 12)
	assert.Len(t, tag, 16)
}

func TestOpenRejectsTamperedTag(t *testing.T) {
	v, err := New(newKey(t), "")
	require.NoError(t, err)
	sealed, err := v.Seal(creds{KeyID: "AK"})
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	tag, _ := base64.StdEncoding.DecodeString(env.Tag)
	tag[0] ^= 0xff
	env.Tag = base64.StdEncoding.EncodeToString(tag)
	raw, _ = json.Marshal(env)

	var got creds
	err = v.Open(base64.StdEncoding.EncodeToString(raw), &got)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, err := New(newKey(t), "")
	require.NoError(t, err)
	b, err := New(newKey(t), "")
	require.NoError(t, err)

	sealed, err := a.Seal(creds{KeyID: "AK"})
	require.NoError(t, err)
	var got creds
	assert.ErrorIs(t, b.Open(sealed, &got), ErrTampered)
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("not base64!!", "")
	assert.Error(t, err)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")), "")
	assert.Error(t, err)

	_, err = New(newKey(t), "rot13")
	assert.Error(t, err)
}
