// Package gate decides whether a decryption may proceed by checking the chain
// of callers that carried an authorization token down to it.
//
// A Gate issues two kinds of markers at wiring time: call-end markers, which
// open a trusted scope, and trusted-caller markers, which a component uses to
// extend the chain it was handed. Markers cannot be constructed outside this
// package, so a token can only be built by code that was given the markers
// explicitly. A token is valid only while the Boundary call that created it is
// still running.
//
// Evaluation walks the chain from the innermost frame outward:
//
//	Unchecked -> Walking -> Granted | Denied
//
// Granted requires that every intermediate frame is a live trusted-caller
// marker of this gate and that the outermost frame is a live call-end marker
// whose scope is still open. Anything else is Denied. Denial is silent: callers
// turn it into an empty result or a generic decryption error.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrDenied is the internal signal for a refused chain. Guarded packages must
// not return it to their callers.
var ErrDenied = errors.New("caller chain not trusted")

// Decision is a state of the chain evaluation.
type Decision int

const (
	Unchecked Decision = iota
	Walking
	Granted
	Denied
)

func (d Decision) String() string {
	switch d {
	case Unchecked:
		return "unchecked"
	case Walking:
		return "walking"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type markerKind uint8

const (
	kindTrustedCaller markerKind = iota + 1
	kindCallEnd
)

// Marker is an unforgeable frame label issued by a Gate.
type Marker struct {
	gate *Gate
	id   uint64
	kind markerKind
	name string
}

// Name returns the label the marker was issued with.
func (m Marker) Name() string {
	return m.name
}

// IsZero reports whether m was not issued by any gate.
func (m Marker) IsZero() bool {
	return m.gate == nil
}

type frame struct {
	marker Marker
	scope  uint64
	parent *frame
}

// Token is the capability passed down a trusted call chain. The zero Token
// is always denied.
type Token struct {
	f *frame
}

// Through returns a token with m appended as the next inner frame.
func (t Token) Through(m Marker) Token {
	if t.f == nil {
		return Token{}
	}
	return Token{f: &frame{marker: m, scope: t.f.scope, parent: t.f}}
}

// Chain returns the frame names from the innermost frame outward.
func (t Token) Chain() []string {
	var names []string
	for f := t.f; f != nil; f = f.parent {
		names = append(names, f.marker.name)
	}
	return names
}

// Gate issues markers and evaluates tokens.
type Gate struct {
	mu      sync.RWMutex
	markers map[uint64]Marker
	scopes  map[uint64]struct{}
	nextID  atomic.Uint64
}

// New returns a gate with no markers.
func New() *Gate {
	return &Gate{
		markers: make(map[uint64]Marker),
		scopes:  make(map[uint64]struct{}),
	}
}

// TrustedCaller issues a marker for an intermediate frame.
func (g *Gate) TrustedCaller(name string) Marker {
	return g.issue(name, kindTrustedCaller)
}

// CallEnd issues a marker that may open a trusted scope.
func (g *Gate) CallEnd(name string) Marker {
	return g.issue(name, kindCallEnd)
}

func (g *Gate) issue(name string, kind markerKind) Marker {
	m := Marker{
		gate: g,
		id:   g.nextID.Add(1),
		kind: kind,
		name: name,
	}

	g.mu.Lock()
	g.markers[m.id] = m
	g.mu.Unlock()

	log.Debugf("Issued %s marker %q", kindName(kind), name)
	return m
}

// Revoke withdraws a marker. Tokens carrying it are denied from now on.
func (g *Gate) Revoke(m Marker) {
	if m.gate != g {
		return
	}

	g.mu.Lock()
	delete(g.markers, m.id)
	g.mu.Unlock()

	log.Infof("Revoked %s marker %q", kindName(m.kind), m.name)
}

// Boundary opens a trusted scope rooted at end and runs fn with the token for
// it. The token stops being valid when fn returns. If end is not a live
// call-end marker of this gate, fn receives the zero Token.
func (g *Gate) Boundary(end Marker, fn func(Token) error) error {
	if !g.live(end, kindCallEnd) {
		log.Debugf("Boundary %q refused: not a live call-end marker", end.name)
		return fn(Token{})
	}

	scope := g.nextID.Add(1)

	g.mu.Lock()
	g.scopes[scope] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.scopes, scope)
		g.mu.Unlock()
	}()

	return fn(Token{f: &frame{marker: end, scope: scope}})
}

// Evaluate runs the chain walk for tok.
func (g *Gate) Evaluate(tok Token) Decision {
	state := Unchecked
	if tok.f == nil {
		log.Debugf("Denied: empty token")
		return Denied
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	state = Walking
	scope := tok.f.scope
	for f := tok.f; f != nil && state == Walking; f = f.parent {
		issued, ok := g.markers[f.marker.id]
		switch {
		case f.marker.gate != g || !ok || issued.kind != f.marker.kind:
			log.Debugf("Denied: frame %q is not a live marker of this gate", f.marker.name)
			state = Denied

		case f.scope != scope:
			log.Debugf("Denied: frame %q belongs to another scope", f.marker.name)
			state = Denied

		case f.parent != nil && f.marker.kind != kindTrustedCaller:
			log.Debugf("Denied: intermediate frame %q is not a trusted caller", f.marker.name)
			state = Denied

		case f.parent == nil:
			if f.marker.kind != kindCallEnd {
				log.Debugf("Denied: chain ends at %q without a call-end marker", f.marker.name)
				state = Denied
				break
			}
			if _, open := g.scopes[scope]; !open {
				log.Debugf("Denied: scope of %q already closed", f.marker.name)
				state = Denied
				break
			}
			state = Granted
		}
	}

	return state
}

// Allows is Evaluate(tok) == Granted.
func (g *Gate) Allows(tok Token) bool {
	return g.Evaluate(tok) == Granted
}

// Check returns ErrDenied unless tok is granted.
func (g *Gate) Check(tok Token) error {
	if !g.Allows(tok) {
		return ErrDenied
	}
	return nil
}

func (g *Gate) live(m Marker, kind markerKind) bool {
	if m.gate != g {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	issued, ok := g.markers[m.id]
	return ok && issued.kind == kind
}

// Guard returns fn() when tok is granted and the zero value of T otherwise.
func Guard[T any](g *Gate, tok Token, fn func() T) T {
	var zero T
	if g == nil || !g.Allows(tok) {
		return zero
	}
	return fn()
}

func kindName(k markerKind) string {
	switch k {
	case kindTrustedCaller:
		return "trusted-caller"
	case kindCallEnd:
		return "call-end"
	default:
		return "unknown"
	}
}
