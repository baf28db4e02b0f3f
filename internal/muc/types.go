// Package muc implements the multi-user-chat room registry described in
// spec §4.5: room membership, affiliation/role derivation, and groupchat
// broadcast, built on top of internal/session and internal/router rather
// than a client-facing joining API.
package muc

import (
	"encoding/xml"
	"errors"
)

// Affiliation indicates a user's long-lived relationship to a room,
// independent of whether they are currently present. Named and ordered the
// way a MUC service's occupant list presents them.
type Affiliation uint8

// The affiliations defined by XEP-0045 §5.
const (
	AffiliationOutcast Affiliation = iota
	AffiliationNone
	AffiliationMember
	AffiliationAdmin
	AffiliationOwner
)

func (a Affiliation) String() string {
	switch a {
	case AffiliationOutcast:
		return "outcast"
	case AffiliationNone:
		return "none"
	case AffiliationMember:
		return "member"
	case AffiliationAdmin:
		return "admin"
	case AffiliationOwner:
		return "owner"
	default:
		return "none"
	}
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (a *Affiliation) UnmarshalXMLAttr(attr xml.Attr) error {
	switch attr.Value {
	case "outcast":
		*a = AffiliationOutcast
	case "none", "":
		*a = AffiliationNone
	case "member":
		*a = AffiliationMember
	case "admin":
		*a = AffiliationAdmin
	case "owner":
		*a = AffiliationOwner
	default:
		return errors.New("muc: unrecognized affiliation")
	}
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (a Affiliation) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: a.String()}, nil
}

// Role is a user's in-room privilege level for the current occupancy only;
// it resets to RoleNone when the user leaves.
type Role uint8

// The roles defined by XEP-0045 §5.
const (
	RoleNone Role = iota
	RoleVisitor
	RoleParticipant
	RoleModerator
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleVisitor:
		return "visitor"
	case RoleParticipant:
		return "participant"
	case RoleModerator:
		return "moderator"
	default:
		return "none"
	}
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (r Role) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: r.String()}, nil
}

// DefaultRole derives the role a newly joining occupant receives from their
// affiliation, per XEP-0045's affiliation/role correlation table (spec
// §4.5's "affiliation implies a role floor" invariant): an outcast can never
// join, members and above default to participant, and owners/admins default
// to moderator. An unaffiliated occupant defaults to participant, unless
// the room is moderated, in which case they default to visitor.
func DefaultRole(aff Affiliation, moderated bool) (Role, error) {
	switch aff {
	case AffiliationOutcast:
		return RoleNone, errors.New("muc: outcast may not join")
	case AffiliationOwner, AffiliationAdmin:
		return RoleModerator, nil
	case AffiliationMember:
		return RoleParticipant, nil
	default:
		if moderated {
			return RoleVisitor, nil
		}
		return RoleParticipant, nil
	}
}
