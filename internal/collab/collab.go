// Package collab defines the external collaborator interfaces named in
// spec §1 and §6 (TLS provisioning, persistent stores, the HTTP auth
// front-end, DNS SRV resolution, link enrichment) and provides in-memory
// reference implementations of TLS provisioning and the stores, so the
// session core is runnable and testable standalone (SPEC_FULL.md §C). The
// HTTP auth front-end, SRV resolution and link enrichment are interfaces
// only; this package has no implementation of them.
package collab

import (
	"context"
	"crypto/tls"
	"sync"

	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/muc"
)

// StaticTLS hands back a fixed *tls.Config for every domain, a stand-in for
// a real certificate-provisioning collaborator (e.g. ACME) during local
// development and tests.
type StaticTLS struct {
	TLSConfig *tls.Config
}

// Config implements session.TLSProvider.
func (s StaticTLS) Config(domain string) (*tls.Config, error) {
	return s.TLSConfig, nil
}

// MemBlocklist is an in-memory Blocklist keyed by (owner, blocked) bare JID
// pairs.
type MemBlocklist struct {
	mu      sync.RWMutex
	blocked map[string]map[string]struct{}
}

// NewMemBlocklist builds an empty MemBlocklist.
func NewMemBlocklist() *MemBlocklist {
	return &MemBlocklist{blocked: make(map[string]map[string]struct{})}
}

// Block records that owner has blocked sender.
func (b *MemBlocklist) Block(owner, sender jid.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ownerKey := jid.BareKey(owner)
	if b.blocked[ownerKey] == nil {
		b.blocked[ownerKey] = make(map[string]struct{})
	}
	b.blocked[ownerKey][jid.BareKey(sender)] = struct{}{}
}

// Unblock undoes a prior Block.
func (b *MemBlocklist) Unblock(owner, sender jid.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked[jid.BareKey(owner)], jid.BareKey(sender))
}

// IsBlocked implements router.Blocklist.
func (b *MemBlocklist) IsBlocked(ctx context.Context, owner, sender jid.Address) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.blocked[jid.BareKey(owner)][jid.BareKey(sender)]
	return blocked, nil
}

// MemAffiliationStore is an in-memory muc.AffiliationStore.
type MemAffiliationStore struct {
	mu   sync.RWMutex
	data map[string]map[string]muc.Affiliation // room bare JID -> real bare JID -> affiliation
}

// NewMemAffiliationStore builds an empty MemAffiliationStore.
func NewMemAffiliationStore() *MemAffiliationStore {
	return &MemAffiliationStore{data: make(map[string]map[string]muc.Affiliation)}
}

// Affiliation implements muc.AffiliationStore.
func (m *MemAffiliationStore) Affiliation(ctx context.Context, room, bare jid.Address) (muc.Affiliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	aff, ok := m.data[jid.BareKey(room)][jid.BareKey(bare)]
	if !ok {
		return muc.AffiliationNone, nil
	}
	return aff, nil
}

// SetAffiliation implements muc.AffiliationStore.
func (m *MemAffiliationStore) SetAffiliation(ctx context.Context, room, bare jid.Address, aff muc.Affiliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jid.BareKey(room)
	if m.data[key] == nil {
		m.data[key] = make(map[string]muc.Affiliation)
	}
	m.data[key][jid.BareKey(bare)] = aff
	return nil
}

// VCardStore is the external vCard collaborator (SPEC_FULL.md §D).
type VCardStore interface {
	Get(ctx context.Context, owner jid.Address) (map[string]string, bool, error)
	Set(ctx context.Context, owner jid.Address, fields map[string]string) error
}

// MemVCardStore is an in-memory VCardStore.
type MemVCardStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemVCardStore builds an empty MemVCardStore.
func NewMemVCardStore() *MemVCardStore {
	return &MemVCardStore{data: make(map[string]map[string]string)}
}

// Get implements VCardStore.
func (m *MemVCardStore) Get(ctx context.Context, owner jid.Address) (map[string]string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.data[jid.BareKey(owner)]
	return fields, ok, nil
}

// Set implements VCardStore.
func (m *MemVCardStore) Set(ctx context.Context, owner jid.Address, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[jid.BareKey(owner)] = fields
	return nil
}

// RosterStore is the external roster-persistence collaborator
// (SPEC_FULL.md §D).
type RosterStore interface {
	Items(ctx context.Context, owner jid.Address) ([]RosterItem, error)
	Upsert(ctx context.Context, owner jid.Address, item RosterItem) error
	Remove(ctx context.Context, owner jid.Address, contact jid.Address) error
}

// RosterItem is one contact-list entry.
type RosterItem struct {
	JID          jid.Address
	Name         string
	Subscription string
	Groups       []string
}

// MemRosterStore is an in-memory RosterStore.
type MemRosterStore struct {
	mu   sync.RWMutex
	data map[string][]RosterItem
}

// NewMemRosterStore builds an empty MemRosterStore.
func NewMemRosterStore() *MemRosterStore {
	return &MemRosterStore{data: make(map[string][]RosterItem)}
}

// Items implements RosterStore.
func (m *MemRosterStore) Items(ctx context.Context, owner jid.Address) ([]RosterItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RosterItem, len(m.data[jid.BareKey(owner)]))
	copy(out, m.data[jid.BareKey(owner)])
	return out, nil
}

// Upsert implements RosterStore.
func (m *MemRosterStore) Upsert(ctx context.Context, owner jid.Address, item RosterItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jid.BareKey(owner)
	list := m.data[key]
	for i, existing := range list {
		if jid.BareKey(existing.JID) == jid.BareKey(item.JID) {
			list[i] = item
			return nil
		}
	}
	m.data[key] = append(list, item)
	return nil
}

// Remove implements RosterStore.
func (m *MemRosterStore) Remove(ctx context.Context, owner jid.Address, contact jid.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jid.BareKey(owner)
	list := m.data[key]
	for i, existing := range list {
		if jid.BareKey(existing.JID) == jid.BareKey(contact) {
			m.data[key] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// LinkEnricher is the external link-preview collaborator named in spec §6:
// given a URL found in a message body, it returns enrichment metadata
// (title, description) to attach out-of-band. No reference implementation
// is provided since it necessarily calls out to the network; a deployment
// wires a real HTTP-backed implementation.
type LinkEnricher interface {
	Enrich(ctx context.Context, url string) (title, description string, err error)
}

// SRVResolver is the external DNS SRV collaborator used for federation
// peer discovery (spec §6). Left as an interface only, for the same reason
// as LinkEnricher.
type SRVResolver interface {
	LookupXMPPServer(ctx context.Context, domain string) (target string, port uint16, err error)
}

// AuthFrontend is the external HTTP session-token issuer backing the PLAIN
// mechanism's token convention (spec §4.2, §6): a deployment's web login
// flow issues a token this service's auth.Store verifies as if it were a
// password.
type AuthFrontend interface {
	IssueToken(ctx context.Context, principal string) (token string, err error)
}

// MemAuthStore is an in-memory auth.Store keyed by literal username and
// password, the default for local development and tests. It never resolves
// SCRAM credentials (ScramCredentials always reports ok=false), so a
// deployment wanting SCRAM-SHA-256 support needs a real credential store
// wired in its place.
type MemAuthStore struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewMemAuthStore builds an empty MemAuthStore.
func NewMemAuthStore() *MemAuthStore {
	return &MemAuthStore{users: make(map[string]string)}
}

// AddUser registers username/password for PLAIN authentication.
func (m *MemAuthStore) AddUser(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = password
}

// VerifyPassword implements auth.Store.
func (m *MemAuthStore) VerifyPassword(ctx context.Context, username, password string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want, ok := m.users[username]
	if !ok || want != password {
		return "", false, nil
	}
	return username, true, nil
}

// ScramCredentials implements auth.Store.
func (m *MemAuthStore) ScramCredentials(ctx context.Context, username string) ([]byte, int, []byte, []byte, bool, error) {
	return nil, 0, nil, nil, false, nil
}

// MemProviderRegistry is an in-memory auth.ProviderRegistry mapping an
// OAUTHBEARER authzid to its discovery URL.
type MemProviderRegistry struct {
	mu        sync.RWMutex
	discovery map[string]string
}

// NewMemProviderRegistry builds an empty MemProviderRegistry.
func NewMemProviderRegistry() *MemProviderRegistry {
	return &MemProviderRegistry{discovery: make(map[string]string)}
}

// Register associates authzid with a discovery URL.
func (r *MemProviderRegistry) Register(authzid, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovery[authzid] = url
}

// DiscoveryURL implements auth.ProviderRegistry.
func (r *MemProviderRegistry) DiscoveryURL(authzid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.discovery[authzid]
	return url, ok
}
