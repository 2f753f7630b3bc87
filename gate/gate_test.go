package gate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundaryGrantsTrustedChain(t *testing.T) {
	g := New()
	end := g.CallEnd("signer")
	decryptor := g.TrustedCaller("decryptor")
	value := g.TrustedCaller("value")

	err := g.Boundary(end, func(tok Token) error {
		assert.Equal(t, Granted, g.Evaluate(tok), "boundary alone is a complete chain")

		inner := tok.Through(decryptor).Through(value)
		assert.Equal(t, Granted, g.Evaluate(inner))
		assert.Equal(t, []string{"value", "decryptor", "signer"}, inner.Chain())
		return nil
	})
	require.NoError(t, err)
}

func TestZeroTokenDenied(t *testing.T) {
	g := New()
	assert.Equal(t, Denied, g.Evaluate(Token{}))
	assert.Equal(t, Denied, g.Evaluate(Token{}.Through(g.TrustedCaller("x"))))
	assert.ErrorIs(t, g.Check(Token{}), ErrDenied)
}

func TestUntrustedIntermediateDenied(t *testing.T) {
	g := New()
	end := g.CallEnd("signer")
	otherEnd := g.CallEnd("other")

	_ = g.Boundary(end, func(tok Token) error {
		assert.Equal(t, Denied, g.Evaluate(tok.Through(Marker{})), "zero marker is untrusted")
		assert.Equal(t, Denied, g.Evaluate(tok.Through(otherEnd)), "call-end marker is not a trusted caller")
		return nil
	})
}

func TestForeignGateDenied(t *testing.T) {
	g := New()
	foreign := New()
	end := g.CallEnd("signer")
	foreignCaller := foreign.TrustedCaller("decryptor")

	_ = g.Boundary(end, func(tok Token) error {
		assert.Equal(t, Denied, g.Evaluate(tok.Through(foreignCaller)))
		assert.Equal(t, Denied, foreign.Evaluate(tok), "token belongs to a different gate")
		return nil
	})
}

func TestEscapedTokenDenied(t *testing.T) {
	g := New()
	end := g.CallEnd("signer")

	var escaped Token
	_ = g.Boundary(end, func(tok Token) error {
		escaped = tok
		return nil
	})

	assert.Equal(t, Denied, g.Evaluate(escaped), "scope closed when Boundary returned")
}

func TestBoundaryRequiresCallEnd(t *testing.T) {
	g := New()
	caller := g.TrustedCaller("decryptor")

	called := false
	_ = g.Boundary(caller, func(tok Token) error {
		called = true
		assert.Equal(t, Denied, g.Evaluate(tok))
		return nil
	})
	assert.True(t, called, "fn still runs, with a denied token")

	_ = g.Boundary(Marker{}, func(tok Token) error {
		assert.Equal(t, Denied, g.Evaluate(tok))
		return nil
	})
}

func TestRevokedMarkerDenied(t *testing.T) {
	g := New()
	end := g.CallEnd("signer")
	caller := g.TrustedCaller("decryptor")

	_ = g.Boundary(end, func(tok Token) error {
		inner := tok.Through(caller)
		require.Equal(t, Granted, g.Evaluate(inner))

		g.Revoke(caller)
		assert.Equal(t, Denied, g.Evaluate(inner))
		assert.Equal(t, Granted, g.Evaluate(tok))
		return nil
	})
}

func TestBoundaryPropagatesError(t *testing.T) {
	g := New()
	sentinel := errors.New("boom")

	err := g.Boundary(g.CallEnd("signer"), func(Token) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestGuardFailsClosed(t *testing.T) {
	g := New()
	end := g.CallEnd("signer")

	assert.Equal(t, 0, Guard(g, Token{}, func() int { return 42 }))
	assert.Equal(t, "", Guard(nil, Token{}, func() string { return "secret" }))

	_ = g.Boundary(end, func(tok Token) error {
		assert.Equal(t, 42, Guard(g, tok, func() int { return 42 }))
		return nil
	})
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "granted", Granted.String())
	assert.Equal(t, "denied", Denied.String())
	assert.Equal(t, "walking", Walking.String())
	assert.Equal(t, "unchecked", Unchecked.String())
}
