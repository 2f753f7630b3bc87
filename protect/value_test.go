package protect

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/identity"
	"southwinds.dev/walletguard/internal/crypto"
	"southwinds.dev/walletguard/internal/mem"
)

var testExtra = []byte("walletguard-test-entropy")

func testEncryptor(t testing.TB, g *gate.Gate, policy Policy, id identity.Identity) *Encryptor {
	t.Helper()

	c, err := crypto.NewCipher(crypto.AESCBC{}, crypto.PBKDF2{Iterations: 1000}, crypto.DefaultSaltSize)
	require.NoError(t, err)

	enc, err := New(Config{
		Gate:         g,
		Cipher:       c,
		Identity:     &id,
		ExtraEntropy: testExtra,
		Policy:       policy,
		Protector:    mem.NoProtector{},
	})
	require.NoError(t, err)
	return enc
}

// granted runs fn inside a trusted scope of g.
func granted(t testing.TB, g *gate.Gate, fn func(tok gate.Token)) {
	t.Helper()
	end := g.CallEnd(t.Name())
	caller := g.TrustedCaller("value")
	require.NoError(t, g.Boundary(end, func(tok gate.Token) error {
		fn(tok.Through(caller))
		return nil
	}))
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func TestValueRoundTrip(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())

	granted(t, g, func(tok gate.Token) {
		rapid.Check(t, func(rt *rapid.T) {
			plaintext := rapid.SliceOfN(rapid.Byte(), 0, 128).Draw(rt, "plaintext")

			v, err := Protect(enc, Bytes, plaintext)
			if err != nil {
				rt.Fatalf("protect: %v", err)
			}

			err = v.Use(tok, func(got []byte) error {
				if !bytes.Equal(got, plaintext) {
					return fmt.Errorf("mismatch: %x != %x", got, plaintext)
				}
				return nil
			})
			if err != nil {
				rt.Fatalf("use: %v", err)
			}
		})
	})
}

func TestValueCodecs(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Eternal, identity.Current())

	granted(t, g, func(tok gate.Token) {
		b, err := Protect(enc, Bytes, []byte("correct horse"))
		require.NoError(t, err)
		require.NoError(t, b.Use(tok, func(v []byte) error {
			assert.Equal(t, []byte("correct horse"), v)
			return nil
		}))

		n, err := Protect(enc, Int64, int64(-42))
		require.NoError(t, err)
		require.NoError(t, n.Use(tok, func(v int64) error {
			assert.Equal(t, int64(-42), v)
			return nil
		}))

		wrong, err := Import(enc, Int64, b.Export())
		require.NoError(t, err)
		assert.Error(t, wrong.Use(tok, func(int64) error { return nil }), "13 plaintext bytes do not decode as int64")
	})
}

func TestValueHoldsNoPlaintext(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())
	plaintext := []byte("0123456789abcdef0123456789abcdef")

	v, err := Protect(enc, Bytes, plaintext)
	require.NoError(t, err)

	assert.False(t, bytes.Contains(v.Export(), plaintext))
	assert.Equal(t, "0123456789abcdef0123456789abcdef", string(plaintext), "Protect leaves the caller's slice alone")

	w, err := ProtectBytes(enc, plaintext)
	require.NoError(t, err)
	assert.True(t, allZero(plaintext), "ProtectBytes wipes its input")
	assert.False(t, w.Destroyed())
}

func TestSecretZeroedAfterUse(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())
	v, err := Protect(enc, Bytes, bytes.Repeat([]byte{0xAB}, 32))
	require.NoError(t, err)

	granted(t, g, func(tok gate.Token) {
		t.Run("close", func(t *testing.T) {
			secret, err := v.Reveal(tok)
			require.NoError(t, err)

			buf := secret.Bytes()
			require.False(t, allZero(buf))
			secret.Close()
			secret.Close()
			assert.True(t, allZero(buf))

			_, err = secret.Value()
			assert.ErrorIs(t, err, ErrDecryption)
		})

		t.Run("success", func(t *testing.T) {
			var captured []byte
			require.NoError(t, v.UseBytes(tok, func(b []byte) error {
				captured = b
				return nil
			}))
			assert.Len(t, captured, 32)
			assert.True(t, allZero(captured))
		})

		t.Run("error", func(t *testing.T) {
			sentinel := errors.New("consumer failed")
			var captured []byte
			err := v.Use(tok, func(b []byte) error {
				captured = b
				return sentinel
			})
			assert.ErrorIs(t, err, sentinel)
			assert.True(t, allZero(captured))
		})

		t.Run("panic", func(t *testing.T) {
			var captured []byte
			assert.Panics(t, func() {
				_ = v.UseBytes(tok, func(b []byte) error {
					captured = b
					panic("consumer panicked")
				})
			})
			assert.True(t, allZero(captured))
		})
	})
}

func TestValueDeniedWithoutTrustedChain(t *testing.T) {
	g := gate.New()
	foreign := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())

	v, err := Protect(enc, Bytes, []byte("seed"))
	require.NoError(t, err)

	_, err = v.Reveal(gate.Token{})
	assert.ErrorIs(t, err, ErrDecryption)
	assert.Zero(t, v.Fingerprint(gate.Token{}))

	require.NoError(t, foreign.Boundary(foreign.CallEnd("foreign"), func(tok gate.Token) error {
		called := false
		err := v.Use(tok, func([]byte) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrDecryption)
		assert.False(t, called)

		assert.ErrorIs(t, v.Replace(tok, []byte("overwrite")), ErrDecryption)
		return nil
	}))

	assert.NotErrorIs(t, err, gate.ErrDenied)
}

func TestEphemeralBoundToProcess(t *testing.T) {
	g := gate.New()
	this := testEncryptor(t, g, Ephemeral, identity.New(4242, "walletguard"))
	other := testEncryptor(t, g, Ephemeral, identity.New(4243, "walletguard"))
	renamed := testEncryptor(t, g, Ephemeral, identity.New(4242, "impostor"))

	v, err := Protect(this, Bytes, []byte("password"))
	require.NoError(t, err)

	granted(t, g, func(tok gate.Token) {
		for name, enc := range map[string]*Encryptor{"pid": other, "executable": renamed} {
			moved, err := Import(enc, Bytes, v.Export())
			require.NoError(t, err)

			_, err = moved.Reveal(tok)
			assert.ErrorIs(t, err, ErrDecryption, name)
		}

		same, err := Import(testEncryptor(t, g, Ephemeral, identity.New(4242, "walletguard")), Bytes, v.Export())
		require.NoError(t, err)
		require.NoError(t, same.Use(tok, func(b []byte) error {
			assert.Equal(t, []byte("password"), b)
			return nil
		}))
	})
}

func TestEternalSurvivesRestart(t *testing.T) {
	g := gate.New()
	before := testEncryptor(t, g, Eternal, identity.New(100, "walletguard"))
	after := testEncryptor(t, g, Eternal, identity.New(200, "walletguard"))

	v, err := Protect(before, Int64, int64(1337))
	require.NoError(t, err)

	restored, err := Import(after, Int64, v.Export())
	require.NoError(t, err)

	granted(t, g, func(tok gate.Token) {
		require.NoError(t, restored.Use(tok, func(n int64) error {
			assert.Equal(t, int64(1337), n)
			return nil
		}))
	})
}

func TestValueReplaceAndDestroy(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())

	v, err := Protect(enc, Bytes, []byte("old password"))
	require.NoError(t, err)
	before := v.Export()

	granted(t, g, func(tok gate.Token) {
		oldFP := v.Fingerprint(tok)
		require.NotZero(t, oldFP)

		require.NoError(t, v.Replace(tok, []byte("new password")))
		assert.NotEqual(t, before, v.Export())
		assert.NotEqual(t, oldFP, v.Fingerprint(tok))

		require.NoError(t, v.Use(tok, func(s []byte) error {
			assert.Equal(t, []byte("new password"), s)
			return nil
		}))

		v.Destroy()
		assert.True(t, v.Destroyed())
		assert.Nil(t, v.Export())
		_, err := v.Reveal(tok)
		assert.ErrorIs(t, err, ErrDecryption)
	})
}

func TestFingerprintIgnoresCiphertext(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())

	a, err := Protect(enc, Bytes, []byte("same"))
	require.NoError(t, err)
	b, err := Protect(enc, Bytes, []byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a.Export(), b.Export())

	granted(t, g, func(tok gate.Token) {
		assert.Equal(t, a.Fingerprint(tok), b.Fingerprint(tok))
	})
}

func TestMalformedCiphertext(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())

	v, err := Protect(enc, Bytes, []byte("payload"))
	require.NoError(t, err)
	blob := v.Export()

	granted(t, g, func(tok gate.Token) {
		cases := map[string][]byte{
			"truncated": blob[:crypto.DefaultSaltSize],
			"garbage":   bytes.Repeat([]byte{0x55}, len(blob)),
		}
		for name, c := range cases {
			bad, err := Import(enc, Bytes, c)
			require.NoError(t, err)
			_, err = bad.Reveal(tok)
			assert.ErrorIs(t, err, ErrDecryption, name)
		}
	})

	_, err = Import(enc, Bytes, nil)
	assert.Error(t, err)
}

func TestValueFormattingRedacted(t *testing.T) {
	g := gate.New()
	enc := testEncryptor(t, g, Ephemeral, identity.Current())

	v, err := Protect(enc, Bytes, []byte("hunter2"))
	require.NoError(t, err)

	hexed := fmt.Sprintf("%x", v.Export())
	for _, format := range []string{"%v", "%+v", "%#v", "%s", "%x", "%q"} {
		out := fmt.Sprintf(format, v)
		assert.NotContains(t, out, "hunter2", format)
		assert.NotContains(t, out, hexed, format)
		assert.Contains(t, out, "redacted", format)
	}

	granted(t, g, func(tok gate.Token) {
		secret, err := v.Reveal(tok)
		require.NoError(t, err)
		defer secret.Close()
		assert.NotContains(t, fmt.Sprint(secret), "hunter2")
	})
}

func TestEncryptorConfig(t *testing.T) {
	_, err := New(Config{ExtraEntropy: testExtra, Policy: Ephemeral})
	assert.Error(t, err, "gate is required")

	_, err = New(Config{Gate: gate.New(), Policy: Eternal})
	assert.Error(t, err, "eternal needs extra entropy")

	enc, err := NewEphemeral(gate.New(), nil)
	require.NoError(t, err)
	assert.Equal(t, Ephemeral, enc.Policy())
	assert.Equal(t, "ephemeral", enc.Policy().String())
	assert.Equal(t, "eternal", Eternal.String())
}
