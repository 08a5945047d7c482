package chat

import (
	"sync"

	"github.com/google/uuid"
)

// Token identifies the stream currently authorized to mutate a session.
type Token string

// Guard holds the current stream token of a session. Frames carrying any other token must not change
// session state.
type Guard struct {
	mu      sync.Mutex
	current Token
}

// Issue generates a fresh token and makes it current, invalidating the previous one.
func (g *Guard) Issue() Token {
	t := Token(uuid.NewString())

	g.mu.Lock()
	g.current = t
	g.mu.Unlock()

	return t
}

// Invalidate drops the current token so no stream is authorized.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.current = ""
	g.mu.Unlock()
}

// StillValid reports whether t is the current token.
func (g *Guard) StillValid(t Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t != "" && t == g.current
}

// Current returns the current token, empty when none is authorized.
func (g *Guard) Current() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
