package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/providers"
	"github.com/rovlink/pipeline/stages"
)

// Well-known element names in a video graph. The two tees are the points
// branches attach at; the display sink delivers frames to the embedding
// application.
const (
	// TeeSource fans out the compressed stream before decode. Recording
	// without re-encoding hangs here.
	TeeSource = "tee_source"

	// TeeDecoded fans out decoded frames after decode. The display chain
	// and the re-encoding recording chain hang here.
	TeeDecoded = "tee_decoded"

	// DisplaySink is the frame sink at the end of the display chain.
	DisplaySink = "display"
)

// displayQueueSlots caps frames buffered ahead of the display sink.
const displayQueueSlots = 8

// VideoSource is a parsed video URL. The scheme selects the transport:
// rtp:// binds a local port for RTP datagrams, udp:// binds a local port
// for a bare codec bytestream, rtsp:// negotiates a session with a server.
type VideoSource struct {
	// Scheme is rtp, udp or rtsp.
	Scheme string

	// URI is the URL as given, passed verbatim to session transports.
	URI string

	// Address is the local bind address for the datagram schemes.
	Address string

	// Codec is taken from the encoding-name query parameter, empty when
	// the URL does not name one.
	Codec providers.Codec

	// RTP reports whether packets carry RTP framing.
	RTP bool
}

// ParseVideoURL parses a video URL. Datagram schemes require an explicit
// port; the optional encoding-name query parameter names the stream codec.
func ParseVideoURL(raw string) (VideoSource, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return VideoSource{}, fmt.Errorf("video url %q: %w", raw, err)
	}

	src := VideoSource{Scheme: u.Scheme, URI: raw}
	switch u.Scheme {
	case "rtp", "udp":
		if u.Port() == "" {
			return VideoSource{}, fmt.Errorf("video url %q: port required", raw)
		}
		src.Address = u.Host
		src.RTP = u.Scheme == "rtp"
	case "rtsp":
		if u.Host == "" {
			return VideoSource{}, fmt.Errorf("video url %q: host required", raw)
		}
		src.RTP = true
	default:
		return VideoSource{}, fmt.Errorf("video url %q: unsupported scheme %q", raw, u.Scheme)
	}

	if name := u.Query().Get("encoding-name"); name != "" {
		codec, err := providers.ParseCodec(name)
		if err != nil {
			return VideoSource{}, fmt.Errorf("video url %q: %w", raw, err)
		}
		src.Codec = codec
	}
	return src, nil
}

// VideoConfig selects the transport, decode path and display behavior of
// a video graph.
type VideoConfig struct {
	Logger zerolog.Logger

	// Bus carries stage faults to the graph owner. Nil runs the graph
	// without fault reporting.
	Bus *core.Bus

	// URL locates the stream; its scheme selects the transport.
	URL string

	// Decoder is the (codec, provider) pair decoding the stream. When
	// the URL names a codec the two must agree.
	Decoder providers.VideoDecoder

	// Colorspace selects the pixel conversion backend. Empty means CPU.
	Colorspace providers.ColorspaceMethod

	// Registry resolves decoder and colorspace against this host.
	Registry *providers.Registry

	// JitterLatency sizes the reorder window ahead of the depacketizer.
	// Zero omits the jitter stage; stream-ordered transports never take
	// one.
	JitterLatency time.Duration

	// LeakyDisplay lets the display queue drop its oldest frame when the
	// frame consumer lags, bounding staleness instead of blocking decode.
	LeakyDisplay bool

	// DecodeSpawn overrides how the decode process is started. Tests use
	// it to substitute a synthetic decoder; nil uses the resolved
	// decoder's own backend.
	DecodeSpawn providers.SpawnFunc

	// OnCaps, OnFrame and OnEOS observe the display sink.
	OnCaps  func(core.Caps)
	OnFrame func(core.Frame)
	OnEOS   func()
}

// BuildVideoPipeline assembles a display graph for the configured source:
//
//	source → [jitter] → depay → tee_source → queue → [parse] → decoder
//	       → tee_decoded → queue → videoconvert → display
//
// Bare udp:// sources skip the depacketizer and feed tee_source directly;
// only codecs with a bitstream parser can be reframed that way. The
// returned graph is fully linked and in the Null state.
func BuildVideoPipeline(cfg VideoConfig) (*Graph, error) {
	if cfg.Registry == nil {
		return nil, errors.New("video pipeline: provider registry required")
	}

	src, err := ParseVideoURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	codec := cfg.Decoder.Codec
	if src.Codec != "" && src.Codec != codec {
		return nil, fmt.Errorf("video pipeline: url names %s but decode is configured for %s",
			src.Codec, codec)
	}
	if !src.RTP && !codec.RequiresParser() {
		return nil, fmt.Errorf("video pipeline: %s over bare udp cannot be reframed, use rtp://", codec)
	}

	dec, err := cfg.Registry.ResolveDecoder(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("video pipeline: %w", err)
	}
	colorspace := cfg.Colorspace
	if colorspace == "" {
		colorspace = providers.ColorspaceCPU
	}
	if err := cfg.Registry.ResolveColorspace(colorspace); err != nil {
		return nil, fmt.Errorf("video pipeline: %w", err)
	}

	logger := cfg.Logger
	bus := cfg.Bus

	srcName := "udpsrc"
	if src.Scheme == "rtsp" {
		srcName = "rtspsrc"
	}
	source, err := stages.NewURISource(stages.URISourceConfig{
		Name:   srcName,
		Logger: logger,
		Bus:    bus,
		URI:    cfg.URL,
		Caps:   sourceCaps(src, codec),
	})
	if err != nil {
		return nil, fmt.Errorf("video pipeline: %w", err)
	}

	builder := NewGraphBuilder("video").WithLogger(logger).WithBus(bus)
	builder.AddStage(source).SetSource(srcName)
	head := srcName

	if src.Scheme == "rtp" && cfg.JitterLatency > 0 {
		builder.AddStage(stages.NewJitterBuffer(stages.JitterBufferConfig{
			Name:    "rtpjitterbuffer",
			Logger:  logger,
			Bus:     bus,
			Latency: cfg.JitterLatency,
		}))
		builder.Connect(head, "rtpjitterbuffer")
		head = "rtpjitterbuffer"
	}

	if src.RTP {
		depayName := providers.DepayElementName(codec)
		builder.AddStage(stages.NewRTPDepay(stages.RTPDepayConfig{
			Name:   depayName,
			Logger: logger,
			Bus:    bus,
			Codec:  codec,
		}))
		builder.Connect(head, depayName)
		head = depayName
	}

	builder.AddStage(stages.NewTee(stages.TeeConfig{Name: TeeSource, Logger: logger}))
	builder.Connect(head, TeeSource)

	builder.AddStage(stages.NewQueue(stages.QueueConfig{Name: "queue_decode", Logger: logger}))
	builder.Connect(TeeSource, "queue_decode")
	head = "queue_decode"

	if parserName := providers.ParserElementName(codec); parserName != "" {
		builder.AddStage(newParser(codec, parserName, logger, bus))
		builder.Connect(head, parserName)
		head = parserName
	}

	builder.AddStage(stages.NewAVDecode(stages.AVDecodeConfig{
		Name:    dec.Element,
		Logger:  logger,
		Bus:     bus,
		Decoder: dec,
		Spawn:   cfg.DecodeSpawn,
	}))
	builder.Connect(head, dec.Element)

	builder.AddStage(stages.NewTee(stages.TeeConfig{Name: TeeDecoded, Logger: logger}))
	builder.Connect(dec.Element, TeeDecoded)

	builder.AddStage(stages.NewQueue(stages.QueueConfig{
		Name:     "queue_display",
		Logger:   logger,
		MaxItems: displayQueueSlots,
		Leaky:    cfg.LeakyDisplay,
	}))
	builder.Connect(TeeDecoded, "queue_display")

	builder.AddStage(stages.NewVideoConvert(stages.VideoConvertConfig{
		Name:   "videoconvert",
		Logger: logger,
		Bus:    bus,
	}))
	builder.Connect("queue_display", "videoconvert")

	builder.AddStage(stages.NewAppSink(stages.AppSinkConfig{
		Name:    DisplaySink,
		Logger:  logger,
		Bus:     bus,
		OnCaps:  cfg.OnCaps,
		OnFrame: cfg.OnFrame,
		OnEOS:   cfg.OnEOS,
	}))
	builder.Connect("videoconvert", DisplaySink)

	return builder.Build()
}

// sourceCaps builds the caps a datagram source announces. RTSP sources
// learn theirs from the server and ignore these.
func sourceCaps(src VideoSource, codec providers.Codec) core.Caps {
	if src.RTP {
		return core.Caps{
			MediaType:    core.MediaTypeRTP,
			EncodingName: codec.EncodingName(),
			ClockRate:    90000,
		}
	}
	return core.Caps{MediaType: codec.MediaType()}
}

// newParser creates the bitstream parser stage for a codec. Callers must
// have checked RequiresParser.
func newParser(codec providers.Codec, name string, logger zerolog.Logger, bus *core.Bus) core.Stage {
	if codec == providers.CodecH265 {
		return stages.NewH265Parse(stages.H265ParseConfig{Name: name, Logger: logger, Bus: bus})
	}
	return stages.NewH264Parse(stages.H264ParseConfig{Name: name, Logger: logger, Bus: bus})
}
