// Package jid implements the three-part XMPP address: local@domain/resource.
package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Address is an XMPP address ("Jabber ID"). The zero value is not a valid
// Address; construct one with Parse or FromParts.
//
// All three parts are stored in their canonical, stringprep-clean form so
// that two Addresses compare equal exactly when they are the same address.
type Address struct {
	local    string
	domain   string
	resource string
}

// Parse splits s into local, domain, and resource parts and validates them.
func Parse(s string) (Address, error) {
	local, domain, resource, err := split(s)
	if err != nil {
		return Address{}, err
	}
	return FromParts(local, domain, resource)
}

// MustParse is like Parse but panics on error. Intended for tests and
// compile-time constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromParts builds and validates an Address from its constituent parts.
// The domain is the only required part.
func FromParts(local, domain, resource string) (Address, error) {
	if !utf8.ValidString(local) || !utf8.ValidString(resource) {
		return Address{}, errors.New("jid: address contains invalid UTF-8")
	}

	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return Address{}, err
	}
	if !utf8.ValidString(domain) {
		return Address{}, errors.New("jid: domainpart contains invalid UTF-8")
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	local, err = precis.UsernameCaseMapped.String(local)
	if err != nil {
		return Address{}, err
	}
	resource, err = precis.OpaqueString.String(resource)
	if err != nil {
		return Address{}, err
	}

	if err := validate(local, domain, resource); err != nil {
		return Address{}, err
	}

	return Address{local: local, domain: domain, resource: resource}, nil
}

func validate(local, domain, resource string) error {
	if len(local) > 1023 {
		return errors.New("jid: localpart must be smaller than 1024 bytes")
	}
	if strings.ContainsAny(local, "\"&'/:<>@") {
		return errors.New("jid: localpart contains forbidden characters")
	}
	if len(resource) > 1023 {
		return errors.New("jid: resourcepart must be smaller than 1024 bytes")
	}
	if l := len(domain); l < 1 || l > 1023 {
		return errors.New("jid: domainpart must be between 1 and 1023 bytes")
	}
	return checkIP6(domain)
}

func checkIP6(domain string) error {
	if l := len(domain); l > 2 && strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		if ip := net.ParseIP(domain[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 literal")
		}
	}
	return nil
}

// split separates local, domain, and resource from their wire
// representation, matching the RFC 7622 §3.1 parsing order: resource first,
// then local, leaving domain as the remainder.
func split(s string) (local, domain, resource string, err error) {
	parts := strings.SplitAfterN(s, "/", 2)

	if strings.HasSuffix(parts[0], "/") {
		if len(parts) == 2 && parts[1] != "" {
			resource = parts[1]
		} else {
			return "", "", "", errors.New("jid: resourcepart must be larger than 0 bytes")
		}
	}
	noResource := strings.TrimSuffix(parts[0], "/")

	atParts := strings.SplitAfterN(noResource, "@", 2)
	if atParts[0] == "@" {
		return "", "", "", errors.New("jid: localpart must be larger than 0 bytes")
	}
	switch len(atParts) {
	case 1:
		domain = atParts[0]
	case 2:
		domain = atParts[1]
		local = strings.TrimSuffix(atParts[0], "@")
	}
	return local, domain, resource, nil
}

// Local returns the localpart, e.g. "alice".
func (a Address) Local() string { return a.local }

// Domain returns the domainpart, e.g. "example.com".
func (a Address) Domain() string { return a.domain }

// Resource returns the resourcepart, e.g. "phone". Empty for a bare address.
func (a Address) Resource() string { return a.resource }

// IsBare reports whether the address carries no resource.
func (a Address) IsBare() bool { return a.resource == "" }

// Bare returns a copy of the address with the resource stripped.
func (a Address) Bare() Address {
	a.resource = ""
	return a
}

// WithResource returns a copy of the address bound to the given resource.
func (a Address) WithResource(resource string) Address {
	a.resource = resource
	return a
}

// IsZero reports whether a is the unconstructed zero value.
func (a Address) IsZero() bool { return a.domain == "" && a.local == "" && a.resource == "" }

// String renders the address in local@domain/resource form, omitting empty
// parts.
func (a Address) String() string {
	s := a.domain
	if a.local != "" {
		s = a.local + "@" + s
	}
	if a.resource != "" {
		s = s + "/" + a.resource
	}
	return s
}

// Equal reports octet-for-octet equality including the resource.
func (a Address) Equal(b Address) bool {
	return a.local == b.local && a.domain == b.domain && a.resource == b.resource
}

// BareKey returns a canonical, case-folded string suitable for use as a map
// key for the bare address — two addresses that are bare-equal produce the
// same key, per the spec's case-folded bare-equality invariant.
func BareKey(a Address) string {
	return strings.ToLower(a.local) + "@" + strings.ToLower(a.domain)
}

// SameBare reports whether a and b share the same bare address.
func SameBare(a, b Address) bool {
	return BareKey(a) == BareKey(b)
}

// MarshalXMLAttr implements xml.MarshalerAttr.
func (a Address) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: a.String()}, nil
}

// UnmarshalXMLAttr implements xml.UnmarshalerAttr.
func (a *Address) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
