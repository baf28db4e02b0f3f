package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waddle.chat/xmppd/internal/auth"
	"waddle.chat/xmppd/internal/pipeline"
)

type memStore struct{}

func (memStore) VerifyPassword(ctx context.Context, username, password string) (string, bool, error) {
	if username == "juliet" && password == "r0m30" {
		return "juliet", true, nil
	}
	return "", false, nil
}

func (memStore) ScramCredentials(ctx context.Context, username string) ([]byte, int, []byte, []byte, bool, error) {
	return nil, 0, nil, nil, false, nil
}

func TestPlainAuthAndBind(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	cfg := Config{
		Domain:         "example.com",
		RequireTLS:     false,
		SASLMechanisms: []string{auth.MechPlain},
		AuthStore:      memStore{},
	}
	sess := New(serverConn, cfg, pipeline.New(nil))

	done := make(chan error, 1)
	go func() {
		done <- sess.Serve(context.Background())
	}()

	client := bufio.NewReader(clientConn)

	fmt.Fprint(clientConn, "<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.com' version='1.0'>")
	readUntil(t, client, "<stream:stream")
	readUntil(t, client, "<stream:features>")

	creds := base64.StdEncoding.EncodeToString([]byte("\x00juliet\x00r0m30"))
	fmt.Fprintf(clientConn, "<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>%s</auth>", creds)
	readUntil(t, client, "<success")

	fmt.Fprint(clientConn, "<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.com' version='1.0'>")
	readUntil(t, client, "<stream:features>")

	fmt.Fprint(clientConn, "<iq id='bind1' type='set'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>balcony</resource></bind></iq>")
	readUntil(t, client, "balcony")

	require.True(t, sess.fsm.Is(StateEstablished))
	require.Equal(t, "juliet", sess.bound.Local())
	require.Equal(t, "balcony", sess.bound.Resource())

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down after connection close")
	}
}

func readUntil(t *testing.T, r *bufio.Reader, needle string) {
	t.Helper()
	var sb strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("reading for %q: %v (have %q)", needle, err, sb.String())
		}
		sb.WriteByte(b)
		if strings.Contains(sb.String(), needle) {
			return
		}
	}
	t.Fatalf("timed out waiting for %q, got %q", needle, sb.String())
}

func TestIllegalTransition(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.To(StateNegotiating))
	require.Error(t, m.To(StateAuthenticated))
	require.NoError(t, m.To(StateEstablished))
	require.Error(t, m.To(StateNegotiating))
}
