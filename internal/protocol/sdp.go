package protocol

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Identity names the remote transport behind a description: its DTLS
// certificate fingerprint and its current ICE username fragment.
// Fields are empty when the description does not carry them.
type Identity struct {
	Fingerprint string
	Ufrag       string
}

// DescriptionIdentity extracts the Identity of d. A description that does not
// parse yields the zero Identity.
func DescriptionIdentity(d webrtc.SessionDescription) Identity {
	var s sdp.SessionDescription
	if err := s.UnmarshalString(d.SDP); err != nil {
		return Identity{}
	}
	var id Identity
	id.Fingerprint, _ = s.Attribute("fingerprint")
	id.Ufrag, _ = s.Attribute("ice-ufrag")
	for _, md := range s.MediaDescriptions {
		if id.Fingerprint == "" {
			id.Fingerprint, _ = md.Attribute("fingerprint")
		}
		if id.Ufrag == "" {
			id.Ufrag, _ = md.Attribute("ice-ufrag")
		}
	}
	return id
}
