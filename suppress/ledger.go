package suppress

import (
	"sync"

	"github.com/hazyhaar/quietfeed/internal/idgen"
)

// Kind is how an element was suppressed.
type Kind int

const (
	KindHidden Kind = iota
	KindPaused
)

// Record is what restoration needs to know about one suppressed element.
type Record struct {
	Token           string
	Kind            Kind
	OriginalDisplay string
	// Autoplay is the media autoplay flag before a pause.
	Autoplay bool
	Reason   string
}

// Ledger maps element tokens to their restoration records. Owned by one
// controller; it outlives no tab.
type Ledger struct {
	newID idgen.Generator

	mu sync.Mutex
	m  map[string]Record
}

// NewLedger returns an empty ledger minting tokens with gen, random UUIDs
// when nil.
func NewLedger(gen idgen.Generator) *Ledger {
	if gen == nil {
		gen = idgen.Random()
	}
	return &Ledger{newID: gen, m: make(map[string]Record)}
}

// Add records an element's original display under a fresh token.
func (l *Ledger) Add(originalDisplay, reason string) Record {
	rec := Record{
		Token:           l.newID(),
		OriginalDisplay: originalDisplay,
		Reason:          reason,
	}
	l.mu.Lock()
	l.m[rec.Token] = rec
	l.mu.Unlock()
	return rec
}

// AddPaused records a paused media element's autoplay flag under a fresh
// token.
func (l *Ledger) AddPaused(autoplay bool, reason string) Record {
	rec := Record{
		Token:    l.newID(),
		Kind:     KindPaused,
		Autoplay: autoplay,
		Reason:   reason,
	}
	l.mu.Lock()
	l.m[rec.Token] = rec
	l.mu.Unlock()
	return rec
}

// Take removes and returns the record for token.
func (l *Ledger) Take(token string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.m[token]
	if ok {
		delete(l.m, token)
	}
	return rec, ok
}

// Len returns the number of live records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// Reset drops every record.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.m = make(map[string]Record)
	l.mu.Unlock()
}
