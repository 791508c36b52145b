// Package webrtc wraps pion peer connections for the headless broadcaster
// and viewer agents.
package webrtc

import (
	"time"

	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// APIOptions tunes the pion API shared by every peer of an agent
type APIOptions struct {
	// ReceiveMTU bounds inbound packet size
	ReceiveMTU uint
	// PLIInterval asks the sender for a keyframe this often. Zero disables it.
	PLIInterval time.Duration
	// IncludeLoopback gathers loopback candidates, for peers on one host
	IncludeLoopback bool
	// DisableMDNS gathers plain host candidates instead of .local names
	DisableMDNS bool
}

// DefaultAPIOptions returns options suited to a single video and audio stream
func DefaultAPIOptions() APIOptions {
	return APIOptions{
		ReceiveMTU:  8192,
		PLIInterval: 3 * time.Second,
	}
}

// LoopbackAPIOptions returns options for peers running on the same host
func LoopbackAPIOptions() APIOptions {
	opts := DefaultAPIOptions()
	opts.IncludeLoopback = true
	opts.DisableMDNS = true
	return opts
}

// NewAPI builds a pion API with the default codecs and interceptors
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWebRTC, "MEDIA_ENGINE", "failed to register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWebRTC, "INTERCEPTORS", "failed to register default interceptors")
	}

	if opts.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(opts.PLIInterval))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeWebRTC, "INTERCEPTORS", "failed to create PLI interceptor")
		}
		registry.Add(pli)
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.ReceiveMTU > 0 {
		settingEngine.SetReceiveMTU(opts.ReceiveMTU)
	}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if opts.DisableMDNS {
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
