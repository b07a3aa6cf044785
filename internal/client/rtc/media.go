package rtc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ErrMediaAccess means a local media source could not be opened.
var ErrMediaAccess = errors.New("media access")

var capabilities = map[string]webrtc.RTPCodecCapability{
	"audio": {MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	"video": {MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

// LocalTracks opens one sample track per requested kind. Kinds that cannot be
// opened are skipped and reported in the returned error; the tracks that did
// open are still returned.
func LocalTracks(streamID string, kinds ...string) ([]webrtc.TrackLocal, error) {
	var (
		tracks []webrtc.TrackLocal
		errs   []error
	)
	for _, kind := range kinds {
		capability, ok := capabilities[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unsupported kind %q", ErrMediaAccess, kind))
			continue
		}
		track, err := webrtc.NewTrackLocalStaticSample(capability, kind+"-"+uuid.NewString(), streamID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrMediaAccess, kind, err))
			continue
		}
		tracks = append(tracks, track)
	}
	return tracks, errors.Join(errs...)
}
