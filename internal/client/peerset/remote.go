package peerset

import (
	"sync"

	"github.com/dkeye/meshroom/internal/client/rtc"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const DefaultBufferPackets = 256

// TrackInfo describes one remote track being received.
type TrackInfo struct {
	ID       string
	Kind     webrtc.RTPCodecType
	Buffered int
	Received uint64
}

type trackBuffer struct {
	id       string
	kind     webrtc.RTPCodecType
	packets  []*rtp.Packet
	received uint64
}

// remoteMedia keeps the most recent packets of every track a peer sends us.
type remoteMedia struct {
	limit int

	mu     sync.Mutex
	tracks map[string]*trackBuffer
	closed bool
}

func newRemoteMedia(limit int) *remoteMedia {
	if limit <= 0 {
		limit = DefaultBufferPackets
	}
	return &remoteMedia{limit: limit, tracks: make(map[string]*trackBuffer)}
}

// attach drains track until it ends or the media is discarded.
func (r *remoteMedia) attach(track rtc.RemoteTrack) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	buf := &trackBuffer{id: track.ID(), kind: track.Kind()}
	r.tracks[buf.id] = buf
	r.mu.Unlock()

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if !r.push(buf, pkt) {
				return
			}
		}
	}()
}

func (r *remoteMedia) push(buf *trackBuffer, pkt *rtp.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	buf.received++
	if len(buf.packets) == r.limit {
		buf.packets[0] = nil
		buf.packets = buf.packets[1:]
	}
	buf.packets = append(buf.packets, pkt)
	return true
}

func (r *remoteMedia) snapshot() []TrackInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrackInfo, 0, len(r.tracks))
	for _, b := range r.tracks {
		out = append(out, TrackInfo{ID: b.id, Kind: b.kind, Buffered: len(b.packets), Received: b.received})
	}
	return out
}

// discard drops everything buffered; readers stop at their next packet.
func (r *remoteMedia) discard() {
	r.mu.Lock()
	r.closed = true
	r.tracks = make(map[string]*trackBuffer)
	r.mu.Unlock()
}
