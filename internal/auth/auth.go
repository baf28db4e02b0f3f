// Package auth implements the server side of the SASL exchange described in
// spec §4.2: PLAIN, SCRAM-SHA-256, and OAUTHBEARER, plus the HTTP-session-
// token convention layered on top of PLAIN.
//
// mellium.im/sasl (the teacher's SASL dependency) exposes a client-side
// Negotiator; a server-side state machine is a separate concern the
// library doesn't cover, so this package rolls its own, reusing
// mellium.im/sasl only for the parts that are symmetric between client and
// server: the PLAIN/SCRAM-SHA-256 mechanism names, taken from its
// sasl.Mechanism values rather than retyped as local literals, and SCRAM's
// salted-password key derivation via golang.org/x/crypto/pbkdf2. OAUTHBEARER
// has no equivalent sasl.Mechanism in that library, so its name stays a
// local constant.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"mellium.im/sasl"
)

// DeriveScramKeys computes the SCRAM-SHA-256 stored-key and server-key pair
// from a plaintext password, salt, and iteration count (RFC 5802 §3). A
// Store implementation backed by plaintext or bcrypt passwords calls this
// once at credential-write time so that verification never needs the
// plaintext password again.
func DeriveScramKeys(password string, salt []byte, iterations int) (storedKey, serverKey []byte) {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, "Client Key")
	storedKey = sha256Sum(clientKey)
	serverKey = hmacSHA256(saltedPassword, "Server Key")
	return storedKey, serverKey
}

// Mechanism names advertised by the server, per spec §4.2.
var (
	MechPlain       = sasl.Plain.Name
	MechScramSHA256 = sasl.ScramSha256.Name
)

// MechOAuthBearer names the OAUTHBEARER mechanism (RFC 7628). Not a
// sasl.Mechanism in mellium.im/sasl, which only ships SASL mechanisms
// usable by its client Negotiator.
const MechOAuthBearer = "OAUTHBEARER"

// Store is the external auth store collaborator (spec §1, §6): it verifies
// either a literal password or an HTTP-issued session token, and resolves
// SCRAM credentials for a username.
type Store interface {
	// VerifyPassword checks a literal password or opaque session token
	// presented in a PLAIN credential, returning the authenticated
	// principal's opaque identifier.
	VerifyPassword(ctx context.Context, username, password string) (principal string, ok bool, err error)
	// ScramCredentials resolves the salted-password parameters for a user
	// bound to SCRAM-SHA-256, or ok=false if the user has no such credential
	// (e.g. token-only accounts).
	ScramCredentials(ctx context.Context, username string) (salt []byte, iterations int, storedKey, serverKey []byte, ok bool, err error)
}

// ProviderRegistry resolves the OAuth discovery URL offered in the
// OAUTHBEARER empty-response convention (spec §4.2, supplemented from
// original_source's auth/providers.rs: a deployment may register more than
// one issuer, keyed by the `authzid` the client sends).
type ProviderRegistry interface {
	DiscoveryURL(authzid string) (string, bool)
}

// Outcome is the terminal result of a SASL exchange.
type Outcome struct {
	Done        bool
	Success     bool
	Principal   string
	Challenge   []byte // non-nil when another round trip is required
	FailureCond string
	FailureText string
}

// Negotiator drives one SASL exchange for one mechanism. A session creates
// a fresh Negotiator per `<auth/>` element.
type Negotiator interface {
	// Step consumes client data (nil for the initial response already passed
	// to New) and returns the next outcome.
	Step(data []byte) Outcome
}

// New constructs a Negotiator for mechanism, seeded with the client's
// initial response (spec §4.2 §6.4.2: an empty initial response is sent as
// a single "=" by the client and arrives here as an empty, non-nil slice).
func New(mechanism string, initial []byte, store Store, providers ProviderRegistry) (Negotiator, error) {
	switch mechanism {
	case MechPlain:
		return &plainNegotiator{store: store, initial: initial}, nil
	case MechScramSHA256:
		return newScramNegotiator(store, initial), nil
	case MechOAuthBearer:
		return &oauthBearerNegotiator{store: store, providers: providers, initial: initial}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported mechanism %q", mechanism)
	}
}

// --- PLAIN ---

type plainNegotiator struct {
	store   Store
	initial []byte
	stepped bool
}

func (n *plainNegotiator) Step(data []byte) Outcome {
	if n.stepped {
		return Outcome{Done: true, Success: false, FailureCond: "malformed-request"}
	}
	n.stepped = true
	payload := n.initial
	if data != nil {
		payload = data
	}
	parts := splitNUL(payload)
	if len(parts) != 3 {
		return Outcome{Done: true, Success: false, FailureCond: "malformed-request", FailureText: "expected authzid\\0authcid\\0passwd"}
	}
	username, password := parts[1], parts[2]
	principal, ok, err := n.store.VerifyPassword(context.Background(), username, password)
	if err != nil || !ok {
		return Outcome{Done: true, Success: false, FailureCond: "not-authorized"}
	}
	return Outcome{Done: true, Success: true, Principal: principal}
}

// splitNUL splits a PLAIN payload on NUL bytes.
func splitNUL(b []byte) []string {
	return strings.Split(string(b), "\x00")
}

// --- SCRAM-SHA-256 ---

type scramState int

const (
	scramClientFirst scramState = iota
	scramClientFinal
	scramDone
)

type scramNegotiator struct {
	store   Store
	initial []byte
	state   scramState

	username      string
	clientNonce   string
	serverNonce   string
	salt          []byte
	iterations    int
	storedKey     []byte
	serverKey     []byte
	clientFirstBare string
	serverFirst     string
}

func newScramNegotiator(store Store, initial []byte) *scramNegotiator {
	return &scramNegotiator{store: store, initial: initial}
}

func (n *scramNegotiator) Step(data []byte) Outcome {
	switch n.state {
	case scramClientFirst:
		payload := n.initial
		if data != nil {
			payload = data
		}
		return n.stepClientFirst(payload)
	case scramClientFinal:
		return n.stepClientFinal(data)
	default:
		return Outcome{Done: true, Success: false, FailureCond: "malformed-request"}
	}
}

func (n *scramNegotiator) stepClientFirst(payload []byte) Outcome {
	fields := parseSCRAM(string(payload))
	username := fields["n"]
	n.clientNonce = fields["r"]
	n.username = username
	n.clientFirstBare = fmt.Sprintf("n=%s,r=%s", username, n.clientNonce)

	salt, iterations, storedKey, serverKey, ok, err := n.store.ScramCredentials(context.Background(), username)
	if err != nil || !ok {
		return Outcome{Done: true, Success: false, FailureCond: "not-authorized"}
	}
	n.salt, n.iterations, n.storedKey, n.serverKey = salt, iterations, storedKey, serverKey
	n.serverNonce = n.clientNonce + randNonce()

	n.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", n.serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)
	n.state = scramClientFinal
	return Outcome{Done: false, Challenge: []byte(n.serverFirst)}
}

func (n *scramNegotiator) stepClientFinal(payload []byte) Outcome {
	fields := parseSCRAM(string(payload))
	if fields["r"] != n.serverNonce {
		return Outcome{Done: true, Success: false, FailureCond: "not-authorized", FailureText: "nonce mismatch"}
	}
	channelBinding := fields["c"]
	proof, err := base64.StdEncoding.DecodeString(fields["p"])
	if err != nil {
		return Outcome{Done: true, Success: false, FailureCond: "malformed-request"}
	}

	authMessage := fmt.Sprintf("%s,%s,c=%s,r=%s", n.clientFirstBare, n.serverFirst, channelBinding, n.serverNonce)
	clientSig := hmacSHA256(n.storedKey, authMessage)
	clientKey := xorBytes(proof, clientSig)
	if !bytesEqual(sha256Sum(clientKey), n.storedKey) {
		return Outcome{Done: true, Success: false, FailureCond: "not-authorized"}
	}

	serverSig := hmacSHA256(n.serverKey, authMessage)
	n.state = scramDone
	return Outcome{
		Done:      true,
		Success:   true,
		Principal: n.username,
		Challenge: []byte("v=" + base64.StdEncoding.EncodeToString(serverSig)),
	}
}

func parseSCRAM(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func randNonce() string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawStdEncoding.EncodeToString(b)
}

// --- OAUTHBEARER ---

type oauthBearerNegotiator struct {
	store     Store
	providers ProviderRegistry
	initial   []byte
}

func (n *oauthBearerNegotiator) Step(data []byte) Outcome {
	payload := n.initial
	if data != nil {
		payload = data
	}
	// Per spec §4.2: empty client data on OAUTHBEARER means "tell me where
	// to authorize" rather than a malformed request.
	if len(payload) == 0 {
		url, ok := n.providers.DiscoveryURL("")
		if !ok {
			return Outcome{Done: true, Success: false, FailureCond: "invalid-authzid"}
		}
		return Outcome{Done: true, Success: false, FailureCond: "not-authorized", FailureText: url}
	}

	token, authzid, err := parseOAuthBearer(payload)
	if err != nil {
		return Outcome{Done: true, Success: false, FailureCond: "malformed-request"}
	}
	principal, ok, verr := n.store.VerifyPassword(context.Background(), authzid, token)
	if verr != nil || !ok {
		return Outcome{Done: true, Success: false, FailureCond: "not-authorized"}
	}
	return Outcome{Done: true, Success: true, Principal: principal}
}

// parseOAuthBearer parses the GS2 header + key/value pairs defined by
// RFC 7628 §3.1.
func parseOAuthBearer(payload []byte) (token, authzid string, err error) {
	s := string(payload)
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 2 {
		return "", "", errors.New("auth: malformed OAUTHBEARER payload")
	}
	if strings.HasPrefix(parts[1], "a=") {
		authzid = strings.TrimPrefix(parts[1], "a=")
	}
	rest := s
	if idx := strings.Index(rest, "auth=Bearer "); idx >= 0 {
		rest = rest[idx+len("auth=Bearer "):]
		if end := strings.IndexByte(rest, 0x01); end >= 0 {
			rest = rest[:end]
		}
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return "", "", errors.New("auth: missing bearer token")
	}
	return token, authzid, nil
}
