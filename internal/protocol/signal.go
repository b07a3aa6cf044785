package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrMalformedSignal = errors.New("malformed signal")

type SignalKind int

const (
	SignalOffer SignalKind = iota + 1
	SignalAnswer
	SignalCandidate
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "icecandidate"
	default:
		return "unknown"
	}
}

// Signal is the parsed form of SDPRelay.Message. Exactly one of
// Description (offer, answer) or Candidate is set, according to Kind.
type Signal struct {
	Kind        SignalKind
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
}

type signalWire struct {
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	ICECandidate *webrtc.ICECandidateInit   `json:"icecandidate,omitempty"`
}

func OfferSignal(sd webrtc.SessionDescription) Signal {
	return Signal{Kind: SignalOffer, Description: sd}
}

func AnswerSignal(sd webrtc.SessionDescription) Signal {
	return Signal{Kind: SignalAnswer, Description: sd}
}

func CandidateSignal(c webrtc.ICECandidateInit) Signal {
	return Signal{Kind: SignalCandidate, Candidate: c}
}

// ParseSignal validates a relayed message once at ingress.
func ParseSignal(message string) (Signal, error) {
	var w signalWire
	if err := json.Unmarshal([]byte(message), &w); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	set := 0
	for _, ok := range []bool{w.Offer != nil, w.Answer != nil, w.ICECandidate != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return Signal{}, fmt.Errorf("%w: want exactly one of offer, answer, icecandidate", ErrMalformedSignal)
	}

	switch {
	case w.Offer != nil:
		sd, err := checkDescription(*w.Offer, webrtc.SDPTypeOffer)
		if err != nil {
			return Signal{}, err
		}
		return OfferSignal(sd), nil
	case w.Answer != nil:
		sd, err := checkDescription(*w.Answer, webrtc.SDPTypeAnswer)
		if err != nil {
			return Signal{}, err
		}
		return AnswerSignal(sd), nil
	default:
		return CandidateSignal(*w.ICECandidate), nil
	}
}

func checkDescription(sd webrtc.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if sd.Type == webrtc.SDPTypeUnknown {
		sd.Type = want
	}
	if sd.Type != want {
		return sd, fmt.Errorf("%w: %s carries type %s", ErrMalformedSignal, want, sd.Type)
	}
	if sd.SDP == "" {
		return sd, fmt.Errorf("%w: empty %s sdp", ErrMalformedSignal, want)
	}
	return sd, nil
}

// Message encodes the signal into the opaque string carried by SDPRelay.
func (s Signal) Message() (string, error) {
	var w signalWire
	switch s.Kind {
	case SignalOffer:
		w.Offer = &s.Description
	case SignalAnswer:
		w.Answer = &s.Description
	case SignalCandidate:
		w.ICECandidate = &s.Candidate
	default:
		return "", fmt.Errorf("%w: kind %d", ErrMalformedSignal, s.Kind)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CandidateKey identifies a candidate for duplicate detection.
func CandidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.SDPMLineIndex)
	}
	return key
}
