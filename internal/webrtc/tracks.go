package webrtc

import (
	"context"
	stderrors "errors"
	"io"
	"sync/atomic"

	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/webrtc/v4"
)

// VP8Codec is the video capability the broadcaster publishes
func VP8Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

// OpusCodec is the audio capability the broadcaster publishes
func OpusCodec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// Tracks are the broadcaster's outgoing tracks. One set is shared by every
// viewer peer, so a packet written once reaches all of them.
type Tracks struct {
	Video *webrtc.TrackLocalStaticRTP
	Audio *webrtc.TrackLocalStaticRTP
}

// NewTracks creates a VP8 video and an Opus audio track in stream streamID
func NewTracks(streamID string) (*Tracks, error) {
	video, err := webrtc.NewTrackLocalStaticRTP(VP8Codec(), "video", streamID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWebRTC, "VIDEO_TRACK", "failed to create video track")
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(OpusCodec(), "audio", streamID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWebRTC, "AUDIO_TRACK", "failed to create audio track")
	}

	return &Tracks{Video: video, Audio: audio}, nil
}

// AddTo attaches both tracks to p
func (t *Tracks) AddTo(p *Peer) error {
	if err := p.AddTrack(t.Video); err != nil {
		return err
	}
	return p.AddTrack(t.Audio)
}

// TrackStats counts what a viewer received on one remote track
type TrackStats struct {
	Packets atomic.Uint64
	Bytes   atomic.Uint64
}

// TrackStatsSnapshot is a point-in-time copy of TrackStats
type TrackStatsSnapshot struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Snapshot copies the counters
func (s *TrackStats) Snapshot() TrackStatsSnapshot {
	return TrackStatsSnapshot{Packets: s.Packets.Load(), Bytes: s.Bytes.Load()}
}

// ReadTrack drains track into stats until ctx is done or the track ends
func ReadTrack(ctx context.Context, track *webrtc.TrackRemote, stats *TrackStats) error {
	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeWebRTC, "TRACK_READ", "failed to read remote track")
		}

		stats.Packets.Add(1)
		stats.Bytes.Add(uint64(n))
	}
}
