// Package csi implements client-state-indication buffering (XEP-0352, spec
// §4.7): while a client has signaled it is inactive, presence updates are
// coalesced (the latest per sender is kept) instead of delivered
// immediately, while urgent traffic (a direct message, or a groupchat
// message mentioning the occupant's nick) flushes the buffer and is
// delivered right away. Other non-urgent stanzas, such as body-less
// messages carrying typing notifications, are not buffered: they are
// dropped while the client is inactive.
package csi

import (
	"regexp"
	"sync"

	"waddle.chat/xmppd/internal/stanza"
)

// Buffer holds the coalesced non-urgent stanzas for one session while the
// client is inactive. Construct one with New, which starts it in the active
// state; the zero value is inactive and has no presence map.
type Buffer struct {
	mu       sync.Mutex
	active   bool
	nick     string
	nickRE   *regexp.Regexp
	presence map[string]stanza.Presence // bare/full JID string -> latest presence
	order    []string                   // insertion order of presence keys, for deterministic flush
}

// New builds a Buffer that flushes mentions of nick (case-insensitive,
// matched on a word boundary per SPEC_FULL.md's CSI supplement) in addition
// to the XEP-0352 urgent/non-urgent split.
func New(nick string) *Buffer {
	b := &Buffer{active: true, presence: make(map[string]stanza.Presence)}
	b.SetNick(nick)
	return b
}

// SetNick updates the nickname mention pattern (e.g. after a MUC nick
// change).
func (b *Buffer) SetNick(nick string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nick = nick
	if nick == "" {
		b.nickRE = nil
		return
	}
	b.nickRE = regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}_])@?` + regexp.QuoteMeta(nick) + `([^\p{L}\p{N}_]|$)`)
}

// SetActive toggles the client's active/inactive state. Going active
// flushes every buffered stanza; the caller is responsible for delivering
// the stanzas returned here (SetActive itself does not write to a session).
func (b *Buffer) SetActive(active bool) []stanza.Stanza {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasInactive := !b.active
	b.active = active
	if !active || !wasInactive {
		return nil
	}
	return b.drainLocked()
}

// Admit decides what to do with an outbound stanza s: while active, it
// always flows straight through. While inactive, urgent stanzas flush the
// buffer and flow through too; non-urgent stanzas are coalesced and Admit
// reports deliverNow=false.
func (b *Buffer) Admit(s stanza.Stanza) (deliverNow bool, flushed []stanza.Stanza) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active || b.urgentLocked(s) {
		return true, b.drainLocked()
	}
	b.coalesceLocked(s)
	return false, nil
}

func (b *Buffer) urgentLocked(s stanza.Stanza) bool {
	switch v := s.(type) {
	case stanza.Message:
		if v.Type == stanza.MessageChat && v.HasBody() {
			return true
		}
		if v.Type == stanza.MessageGroupchat && b.mentionsNick(v) {
			return true
		}
		return false
	case stanza.Presence:
		return false
	default:
		return true
	}
}

func (b *Buffer) mentionsNick(m stanza.Message) bool {
	if b.nickRE == nil {
		return false
	}
	body, ok := m.Body("")
	if !ok {
		for _, v := range m.Bodies {
			if b.nickRE.MatchString(v) {
				return true
			}
		}
		return false
	}
	return b.nickRE.MatchString(body)
}

func (b *Buffer) coalesceLocked(s stanza.Stanza) {
	p, ok := s.(stanza.Presence)
	if !ok {
		// Non-presence, non-urgent traffic (e.g. chat-state notifications
		// riding inside a <message/> with no body) is simply dropped, matching
		// XEP-0352's guidance that CSI buffering may discard superseded state.
		return
	}
	key := p.From.String()
	if _, exists := b.presence[key]; !exists {
		b.order = append(b.order, key)
	}
	b.presence[key] = p
}

func (b *Buffer) drainLocked() []stanza.Stanza {
	out := make([]stanza.Stanza, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.presence[key])
	}
	b.order = nil
	b.presence = make(map[string]stanza.Presence)
	return out
}
