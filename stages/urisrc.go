package stages

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// URISourceConfig configures a source picked from a stream URI
type URISourceConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// URI locates the stream: rtsp://, rtp:// or udp://.
	URI string

	// Caps describe the stream for schemes that cannot describe
	// themselves. RTSP learns its caps from the server instead.
	Caps core.Caps
}

// NewURISource creates the source stage matching the URI scheme. An
// rtsp:// URI negotiates a session with the server, which announces
// the streams it carries; streams other than the first video one are
// ignored and reported. An rtp:// or udp:// URI binds the named local
// port and relies on the configured caps.
func NewURISource(cfg URISourceConfig) (core.Stage, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.URI, err)
	}
	switch u.Scheme {
	case "rtsp":
		return NewRTSPSource(RTSPSourceConfig{
			Name:   cfg.Name,
			Logger: cfg.Logger,
			Bus:    cfg.Bus,
			URL:    cfg.URI,
		}), nil
	case "rtp", "udp":
		return NewUDPSource(UDPSourceConfig{
			Name:    cfg.Name,
			Logger:  cfg.Logger,
			Bus:     cfg.Bus,
			Address: u.Host,
			Caps:    cfg.Caps,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, cfg.URI)
	}
}
