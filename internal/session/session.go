package session

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"waddle.chat/xmppd/internal/auth"
	"waddle.chat/xmppd/internal/codec"
	"waddle.chat/xmppd/internal/jid"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/reliability"
	"waddle.chat/xmppd/internal/stanza"
	"waddle.chat/xmppd/internal/streamerr"
	"waddle.chat/xmppd/internal/xlog"
)

// resumeWindow is how long a detached session stays resumable after an
// abrupt disconnect (spec §4.6's bounded resumption window).
const resumeWindow = 2 * time.Minute

// smAckThreshold is how many outbound stanzas a session lets accumulate
// before proactively requesting an ack, bounding the unacknowledged queue's
// memory growth for a peer that never requests one itself (spec §4.6).
const smAckThreshold = 20

// Router is the narrow interface session needs from the address registry
// (spec §4.4): deliver a stanza bound for some other session or a persistent
// store, and register/unregister this session's bound address while it is
// established. router.Registry satisfies this structurally; session never
// imports the router package.
type Router interface {
	Deliver(ctx context.Context, s stanza.Stanza) error
	Bind(addr jid.Address, dest Destination) error
	Unbind(addr jid.Address)
}

// Destination is what a Router delivers stanzas to. Session satisfies it so
// router can hold sessions without importing this package back.
type Destination interface {
	Push(s stanza.Stanza) error
	Address() jid.Address
}

// Reliability is the narrow slice of the stream-management counters
// (spec §4.6) a session drives directly: bumping send/receive counts and
// asking whether a detached copy of this session could later be resumed.
// A concrete *reliability.State satisfies this without session importing
// the reliability package.
type Reliability interface {
	RecordInbound()
	RecordOutbound(s stanza.Stanza)
	Ack(h uint32)
	RequestAck() uint32
	Token() string
	Unacked() []stanza.Stanza
	Detach() string
}

// CSI is the client-state-indication buffering slice a session consults
// before pushing an outbound stanza while the client has signaled
// inactivity (spec §4.7). A concrete *csi.Buffer satisfies this.
type CSI interface {
	SetActive(active bool) []stanza.Stanza
	Admit(s stanza.Stanza) (deliverNow bool, flushed []stanza.Stanza)
}

// TLSProvider hands back the server certificate used for STARTTLS, an
// external collaborator per spec §6.
type TLSProvider interface {
	Config(domain string) (*tls.Config, error)
}

// Config carries the fixed parameters a session needs at construction time.
type Config struct {
	Domain         string
	RequireTLS     bool
	SASLMechanisms []string
	AuthStore      auth.Store
	Providers      auth.ProviderRegistry
	TLS            TLSProvider
	Router         Router
	Log            *xlog.Logger
	// NewCSI builds a CSI buffer once the session's resource is known, so the
	// buffer can thread the bound nick through from the start (spec §4.7's
	// "groupchat mentioning the occupant's nick" urgency rule needs the real
	// nick, not an empty string). Nil disables CSI for the server.
	NewCSI func(nick string) CSI
	// Resumable parks this session's reliability.State on an abrupt
	// disconnect and looks one back up by token on a `<resume/>` request
	// (spec §4.6). Nil disables stream resumption for the server.
	Resumable *reliability.Store
}

// Session is the actor owning one client connection end to end: stream
// negotiation, SASL, resource binding, and steady-state stanza exchange
// through the shared pipeline. Exactly one goroutine calls Serve for the
// lifetime of the connection; Push is the only method safe to call from
// other goroutines (it hands the stanza to the write side under a mutex).
type Session struct {
	cfg  Config
	conn net.Conn
	dec  *codec.Decoder
	enc  *codec.Encoder
	fsm  *Machine
	pipe *pipeline.Pipeline
	log  *xlog.Logger

	id        string
	bound     jid.Address
	principal string

	negotiator auth.Negotiator

	reliability Reliability
	csi         CSI
	smCounter   uint32

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

var xmlNameBind = xml.Name{Space: codec.NSBind, Local: "bind"}

// New constructs a session around an already-accepted connection. The
// connection's first byte has not been read yet; Serve performs the whole
// negotiation.
func New(conn net.Conn, cfg Config, pipe *pipeline.Pipeline) *Session {
	log := cfg.Log
	if log == nil {
		log = xlog.Discard()
	}
	id := uuid.NewString()
	return &Session{
		cfg:  cfg,
		conn: conn,
		dec:  codec.NewDecoder(conn),
		enc:  codec.NewEncoder(conn),
		fsm:  NewMachine(),
		pipe: pipe,
		log:  log.With("stream_id", id),
		id:   id,
	}
}

// ID returns the stream identifier assigned at construction.
func (s *Session) ID() string { return s.id }

// Address implements Destination.
func (s *Session) Address() jid.Address { return s.bound }

// AttachReliability wires the stream-management counters once the
// reliability package constructs them for this stream (spec §4.6).
// cmd/xmppd calls it for every accepted connection before Serve, and
// negotiateResume calls it again with the resumed stream's state.
func (s *Session) AttachReliability(r Reliability) { s.reliability = r }

// AttachCSI wires the client-state buffer once the session reaches
// Established (spec §4.7).
func (s *Session) AttachCSI(c CSI) { s.csi = c }

// Serve drives the session to completion: stream negotiation, then the
// steady-state read loop. It returns when the connection closes or ctx is
// canceled.
func (s *Session) Serve(ctx context.Context) error {
	defer s.conn.Close()
	if err := s.fsm.To(StateNegotiating); err != nil {
		return err
	}
	if err := s.negotiate(ctx); err != nil {
		s.sendStreamError(err)
		return err
	}
	return s.serveEstablished(ctx)
}

func (s *Session) sendStreamError(err error) {
	se, ok := err.(streamerr.Error)
	if !ok {
		se = streamerr.New(streamerr.UndefinedCondition, err.Error())
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.enc.WriteStreamError(se)
}

// negotiate drives STARTTLS and SASL to completion, leaving the session in
// StateEstablished with a bound resource, or returns an error that
// terminates the stream (spec §4.2).
func (s *Session) negotiate(ctx context.Context) error {
	for {
		hdr, err := s.dec.TakeStreamHeader()
		if err != nil {
			return err
		}
		if err := s.writeStreamHeader(hdr); err != nil {
			return err
		}
		if !s.fsm.Is(StateNegotiating) {
			if err := s.fsm.To(StateNegotiating); err != nil {
				return err
			}
		}

		authenticated := s.principal != ""
		secure := !s.cfg.RequireTLS || s.isTLS()

		if err := s.writeFeatures(secure, authenticated); err != nil {
			return err
		}

		switch {
		case !secure:
			if err := s.negotiateStartTLS(ctx); err != nil {
				return err
			}
			continue
		case !authenticated:
			if err := s.negotiateSASL(ctx); err != nil {
				return err
			}
			continue
		default:
			return s.negotiateBind(ctx)
		}
	}
}

func (s *Session) writeStreamHeader(hdr codec.StreamHeader) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.WriteStreamHeader(codec.StreamHeader{
		From:    s.cfg.Domain,
		ID:      s.id,
		Version: "1.0",
		Lang:    hdr.Lang,
	})
}

// writeFeatures advertises the stream features available in the current
// state (spec §4.2's feature list): STARTTLS until secured, SASL mechanisms
// until authenticated, resource bind once authenticated.
func (s *Session) writeFeatures(secure, authenticated bool) error {
	var b []byte
	b = append(b, "<stream:features>"...)
	switch {
	case !secure:
		if s.cfg.RequireTLS {
			b = append(b, "<starttls xmlns='"+codec.NSStartTLS+"'><required/></starttls>"...)
		} else {
			b = append(b, "<starttls xmlns='"+codec.NSStartTLS+"'/>"...)
		}
	case !authenticated:
		b = append(b, "<mechanisms xmlns='"+codec.NSSASL+"'>"...)
		for _, m := range s.cfg.SASLMechanisms {
			b = append(b, "<mechanism>"+m+"</mechanism>"...)
		}
		b = append(b, "</mechanisms>"...)
	default:
		b = append(b, "<bind xmlns='"+codec.NSBind+"'/>"...)
	}
	b = append(b, "</stream:features>"...)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.WriteRaw(string(b))
}

func (s *Session) isTLS() bool {
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *Session) negotiateStartTLS(ctx context.Context) error {
	if err := s.fsm.To(StateStartTLS); err != nil {
		return err
	}
	tok, err := s.dec.NextStanza()
	if err != nil {
		return err
	}
	if _, ok := tok.(codec.StartTLS); !ok {
		return streamerr.New(streamerr.PolicyViolation, "expected starttls")
	}
	if s.cfg.TLS == nil {
		return streamerr.New(streamerr.UnsupportedStanza, "tls not configured")
	}
	tlsCfg, err := s.cfg.TLS.Config(s.cfg.Domain)
	if err != nil {
		return streamerr.New(streamerr.InternalServer, err.Error())
	}
	s.writeMu.Lock()
	werr := s.enc.WriteRaw("<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")
	s.writeMu.Unlock()
	if werr != nil {
		return werr
	}
	tconn := tls.Server(s.conn, tlsCfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		return streamerr.New(streamerr.PolicyViolation, err.Error())
	}
	s.conn = tconn
	s.dec.Reset(tconn)
	s.enc.Reset(tconn)
	return s.fsm.To(StateTLSEstablished)
}

func (s *Session) negotiateSASL(ctx context.Context) error {
	if err := s.fsm.To(StateAuthenticating); err != nil {
		return err
	}
	tok, err := s.dec.NextStanza()
	if err != nil {
		return err
	}
	start, ok := tok.(codec.SASLAuth)
	if !ok {
		return streamerr.New(streamerr.PolicyViolation, "expected sasl auth")
	}
	neg, err := auth.New(start.Mechanism, start.Data, s.cfg.AuthStore, s.cfg.Providers)
	if err != nil {
		return s.failSASL("invalid-mechanism", err.Error())
	}
	s.negotiator = neg
	outcome := neg.Step(nil)
	for {
		if outcome.Done {
			break
		}
		s.writeMu.Lock()
		werr := s.enc.WriteSASLChallenge(outcome.Challenge)
		s.writeMu.Unlock()
		if werr != nil {
			return werr
		}
		tok, err := s.dec.NextStanza()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case codec.SASLResponse:
			outcome = neg.Step(t.Data)
		case codec.SASLAbort:
			return s.failSASL("aborted", "")
		default:
			return streamerr.New(streamerr.PolicyViolation, "unexpected token during sasl")
		}
	}
	if !outcome.Success {
		return s.failSASL(outcome.FailureCond, outcome.FailureText)
	}
	s.writeMu.Lock()
	werr := s.enc.WriteSASLSuccess(outcome.Challenge)
	s.writeMu.Unlock()
	if werr != nil {
		return werr
	}
	s.principal = outcome.Principal
	return s.fsm.To(StateAuthenticated)
}

func (s *Session) failSASL(cond, text string) error {
	s.writeMu.Lock()
	_ = s.enc.WriteSASLFailure(cond, text)
	s.writeMu.Unlock()
	return fmt.Errorf("auth: sasl failed: %s", cond)
}

// negotiateBind reads one post-SASL request and either binds a resource or,
// per spec §4.6, resumes a previously detached stream in its place. A
// rejected resume attempt (unknown or expired token) stays on this same
// stream and gives the client another chance to bind normally, rather than
// restarting the whole feature negotiation.
func (s *Session) negotiateBind(ctx context.Context) error {
	for {
		tok, err := s.dec.NextStanza()
		if err != nil {
			return err
		}
		if u, ok := tok.(codec.Unknown); ok && u.Name.Space == codec.NSSM && u.Name.Local == "resume" {
			resumed, err := s.negotiateResume(u)
			if err != nil {
				return err
			}
			if resumed {
				return nil
			}
			continue
		}
		iq, ok := tok.(stanza.IQ)
		if !ok || !iq.IsRequest() || iq.PayloadName().Local != "bind" {
			return streamerr.New(streamerr.PolicyViolation, "expected resource bind")
		}
		resource := bindResourceFrom(iq)
		if resource == "" {
			resource = uuid.NewString()
		}
		addr, err := jid.FromParts(s.principal, s.cfg.Domain, resource)
		if err != nil {
			return streamerr.New(streamerr.InvalidXML, err.Error())
		}
		s.bound = addr
		if s.cfg.Router != nil {
			if err := s.cfg.Router.Bind(addr, s); err != nil {
				return s.replyBindConflict(iq)
			}
		}
		if s.cfg.NewCSI != nil {
			s.AttachCSI(s.cfg.NewCSI(resource))
		}
		reply := stanza.IQ{
			ID:   iq.ID,
			Type: stanza.IQResult,
			Payload: &stanza.Payload{
				XMLName: xmlNameBind,
				Inner:   "<jid>" + addr.String() + "</jid>",
			},
		}
		if err := s.fsm.To(StateEstablished); err != nil {
			return err
		}
		s.writeMu.Lock()
		werr := s.enc.Encode(reply)
		s.writeMu.Unlock()
		return werr
	}
}

func (s *Session) replyBindConflict(iq stanza.IQ) error {
	errStanza := stanza.ToErrorStanza(iq, stanza.ErrConflict)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(errStanza)
}

// negotiateResume reattaches a previously detached stream (spec §4.6's
// `<resume/>` request), replaying whatever outbound stanzas the peer never
// acknowledged before dropping, rather than rebinding a fresh resource. It
// reports resumed=false (not an error) for an unknown or expired token,
// leaving the stream in StateNegotiating so the caller can offer an
// ordinary bind instead.
func (s *Session) negotiateResume(u codec.Unknown) (resumed bool, err error) {
	if err := s.fsm.To(StateResuming); err != nil {
		return false, err
	}
	previd := attrValue(u.Attrs, "previd")
	var d reliability.Detached
	if s.cfg.Resumable != nil {
		d, _ = s.cfg.Resumable.Take(previd)
	}
	if d.State == nil {
		if werr := s.writeRaw(fmt.Sprintf("<failed xmlns='%s'><item-not-found xmlns='%s'/></failed>", codec.NSSM, codec.NSStanzas)); werr != nil {
			return false, werr
		}
		return false, s.fsm.To(StateNegotiating)
	}
	addr, err := jid.Parse(d.Address)
	if err != nil {
		return false, streamerr.New(streamerr.InternalServer, err.Error())
	}
	s.bound = addr
	s.principal = addr.Local()
	s.AttachReliability(d.State)
	if s.cfg.Router != nil {
		if err := s.cfg.Router.Bind(addr, s); err != nil {
			return false, streamerr.New(streamerr.Conflict, err.Error())
		}
	}
	if h, ok := parseH(u.Attrs); ok {
		d.State.Ack(h)
	}
	for _, st := range d.State.Unacked() {
		if err := s.write(st); err != nil {
			return false, err
		}
	}
	if err := s.writeRaw(fmt.Sprintf("<resumed xmlns='%s' previd='%s' h='%d'/>", codec.NSSM, previd, d.State.RequestAck())); err != nil {
		return false, err
	}
	return true, s.fsm.To(StateEstablished)
}

func (s *Session) writeRaw(raw string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.WriteRaw(raw)
}

// serveEstablished is the steady-state loop: read a stanza, run it through
// the inbound pipeline, hand survivors to the router.
func (s *Session) serveEstablished(ctx context.Context) error {
	clean := false
	defer func() {
		if s.cfg.Router != nil && !s.bound.IsZero() {
			s.cfg.Router.Unbind(s.bound)
		}
		if !clean {
			s.detach()
		}
	}()
	pctx := &pipeline.Ctx{SessionID: s.id}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tok, err := s.dec.NextStanza()
		if err != nil {
			return err
		}
		if _, ok := tok.(codec.StreamEnd); ok {
			s.writeMu.Lock()
			_ = s.enc.WriteStreamEnd()
			s.writeMu.Unlock()
			clean = true
			return nil
		}
		if u, ok := tok.(codec.Unknown); ok {
			if !s.handleSMToken(u) {
				s.handleCSIToken(u)
			}
			continue
		}
		st, ok := tok.(stanza.Stanza)
		if !ok {
			continue
		}
		if s.reliability != nil {
			s.reliability.RecordInbound()
		}
		out, keep := s.pipe.RunInbound(pctx, st.WithFrom(s.bound))
		if !keep {
			continue
		}
		if s.cfg.Router != nil {
			if err := s.cfg.Router.Deliver(ctx, out); err != nil {
				s.log.Warn("delivery failed", "err", err)
			}
		}
	}
}

// Push writes a stanza to this session's client, running it through the
// outbound pipeline and, if the client has signaled inactivity, through the
// CSI buffer first. It implements Destination and is safe for concurrent
// callers (the router, MUC broadcast, carbons).
func (s *Session) Push(st stanza.Stanza) error {
	pctx := &pipeline.Ctx{SessionID: s.id}
	pctx.Set(pipeline.KeyRecipient, s.bound)
	out, err := s.pipe.RunOutbound(pctx, st)
	if err != nil {
		return err
	}
	if s.csi != nil {
		deliver, flushed := s.csi.Admit(out)
		for _, f := range flushed {
			if err := s.write(f); err != nil {
				return err
			}
		}
		if !deliver {
			return nil
		}
	}
	if s.reliability != nil {
		s.reliability.RecordOutbound(out)
		if atomic.AddUint32(&s.smCounter, 1) >= smAckThreshold {
			atomic.StoreUint32(&s.smCounter, 0)
			_ = s.writeRaw("<r xmlns='" + codec.NSSM + "'/>")
		}
	}
	return s.write(out)
}

// detach parks this session's reliability state for possible resumption
// (spec §4.6), called when the connection ends without a clean
// `</stream:stream>`. A session with no reliability state attached, or one
// the server never enabled for resumption, has nothing to park.
func (s *Session) detach() {
	if s.cfg.Resumable == nil || s.bound.IsZero() {
		return
	}
	st, ok := s.reliability.(*reliability.State)
	if !ok {
		return
	}
	s.cfg.Resumable.Put(reliability.Detached{
		State:   st,
		Address: s.bound.String(),
		Expires: time.Now().Add(resumeWindow),
	})
}

// handleCSIToken reacts to the XEP-0352 `<active/>`/`<inactive/>` stream
// elements, which arrive as unrecognized top-level elements from the
// codec's point of view (spec §4.7).
func (s *Session) handleCSIToken(u codec.Unknown) {
	if s.csi == nil || u.Name.Space != "urn:xmpp:csi:0" {
		return
	}
	switch u.Name.Local {
	case "active":
		for _, st := range s.csi.SetActive(true) {
			_ = s.write(st)
		}
	case "inactive":
		s.csi.SetActive(false)
	}
}

// handleSMToken reacts to the XEP-0198 `<enable/>`, `<r/>`, and `<a h='N'/>`
// stream elements (spec §4.6). It reports whether u belonged to the stream
// management namespace at all, so the caller can fall back to
// handleCSIToken otherwise.
func (s *Session) handleSMToken(u codec.Unknown) bool {
	if u.Name.Space != codec.NSSM {
		return false
	}
	if s.reliability == nil {
		return true
	}
	switch u.Name.Local {
	case "enable":
		_ = s.writeRaw(fmt.Sprintf("<enabled xmlns='%s' id='%s' resume='true'/>", codec.NSSM, s.reliability.Token()))
	case "r":
		_ = s.writeRaw(fmt.Sprintf("<a xmlns='%s' h='%d'/>", codec.NSSM, s.reliability.RequestAck()))
	case "a":
		if h, ok := parseH(u.Attrs); ok {
			s.reliability.Ack(h)
		}
	}
	return true
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func parseH(attrs []xml.Attr) (uint32, bool) {
	v := attrValue(attrs, "h")
	if v == "" {
		return 0, false
	}
	var h uint32
	if _, err := fmt.Sscanf(v, "%d", &h); err != nil {
		return 0, false
	}
	return h, true
}

func (s *Session) write(st stanza.Stanza) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(st)
}

func bindResourceFrom(iq stanza.IQ) string {
	if iq.Payload == nil {
		return ""
	}
	const open, closeTag = "<resource>", "</resource>"
	i := indexOf(iq.Payload.Inner, open)
	if i < 0 {
		return ""
	}
	j := indexOf(iq.Payload.Inner[i:], closeTag)
	if j < 0 {
		return ""
	}
	return iq.Payload.Inner[i+len(open) : i+j]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
