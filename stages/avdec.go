package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/providers"
)

const (
	// decodeDrainTimeout bounds how long an end-of-stream drain may take
	// before the conversion process is killed.
	decodeDrainTimeout = 3 * time.Second

	// frameInterval paces synthesized timestamps when the input queue
	// runs dry.
	frameInterval = 33 * time.Millisecond
)

// AVDecode decompresses the stream through an external conversion
// process resolved by the provider registry. Compressed units are fed
// on stdin, raw I420 frames come back on stdout and are announced with
// geometry caps before the first frame.
//
// The process is spawned lazily on the first keyframe, once the frame
// geometry is known: from upstream caps for H.264 and H.265, or parsed
// out of the keyframe header for VP8, VP9 and AV1. A keyframe with new
// geometry restarts the process.
type AVDecode struct {
	*core.Base

	dec   providers.Decoder
	spawn providers.SpawnFunc

	procCtx    context.Context
	procCancel context.CancelFunc

	// Owned by the stage goroutine between Ready and Null.
	width  int
	height int
	fed    uint64
	proc   providers.Process
	stdin  io.WriteCloser

	mu         sync.Mutex
	pts        []time.Duration
	closing    bool
	procFailed bool

	readerWG sync.WaitGroup
}

// AVDecodeConfig configures a decode stage
type AVDecodeConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Decoder is the resolved decode capability to run.
	Decoder providers.Decoder

	// Spawn starts the conversion process. Defaults to the decoder's
	// own backend.
	Spawn providers.SpawnFunc
}

// NewAVDecode creates the decode stage. No process is spawned until
// data arrives.
func NewAVDecode(cfg AVDecodeConfig) *AVDecode {
	d := &AVDecode{
		dec:   cfg.Decoder,
		spawn: cfg.Spawn,
	}
	if d.spawn == nil && cfg.Decoder.FFmpeg != nil {
		d.spawn = cfg.Decoder.FFmpeg.Spawn
	}
	d.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     d,
		InputTypes:  []core.MediaType{cfg.Decoder.Codec.MediaType()},
		OutputTypes: []core.MediaType{core.MediaTypeRaw},
		InboxSize:   32,
	})
	return d
}

// OnStateChange verifies the backend on the way up and reaps the
// conversion process on the way down.
func (d *AVDecode) OnStateChange(from, to core.State) error {
	switch {
	case from == core.StateNull && to == core.StateReady:
		if d.spawn == nil {
			return errors.New("no conversion backend configured")
		}
		d.procCtx, d.procCancel = context.WithCancel(context.Background())

	case from == core.StateReady && to == core.StateNull:
		if d.proc != nil {
			d.stopProcess(false)
		}
		if d.procCancel != nil {
			d.procCancel()
			d.procCancel = nil
		}
	}
	return nil
}

func (d *AVDecode) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.CapsEvent:
		d.handleCaps(e.Caps)
	case core.PacketEvent:
		d.feed(e)
	case core.EOSEvent:
		if d.proc != nil {
			d.stopProcess(true)
		}
		d.Send(core.EOSEvent{})
	}
}

func (d *AVDecode) handleCaps(caps core.Caps) {
	logger := d.Logger()
	if !caps.HasGeometry() {
		return
	}
	if d.proc != nil && (caps.Width != d.width || caps.Height != d.height) {
		logger.Info().
			Int("width", caps.Width).Int("height", caps.Height).
			Msg("geometry changed, restarting decoder")
		d.stopProcess(false)
	}
	d.width, d.height = caps.Width, caps.Height
}

func (d *AVDecode) feed(e core.PacketEvent) {
	logger := d.Logger()
	if len(e.Data) == 0 {
		return
	}

	if d.proc == nil {
		if !e.Keyframe {
			return
		}
		width, height, err := d.keyframeGeometry(e.Data)
		if err != nil {
			logger.Warn().Err(err).Msg("keyframe geometry unavailable, frame dropped")
			return
		}
		if err := d.startProcess(width, height); err != nil {
			d.postProcessError(err)
			return
		}
	} else if e.Keyframe && d.ivf() {
		// Mid-stream geometry changes only announce themselves in the
		// keyframe header for these codecs.
		if width, height, err := d.keyframeGeometry(e.Data); err == nil &&
			(width != d.width || height != d.height) {
			logger.Info().
				Int("width", width).Int("height", height).
				Msg("geometry changed, restarting decoder")
			d.stopProcess(false)
			if err := d.startProcess(width, height); err != nil {
				d.postProcessError(err)
				return
			}
		}
	}

	var err error
	if d.ivf() {
		if _, err = d.stdin.Write(ivfFrameHeader(len(e.Data), d.fed)); err == nil {
			_, err = d.stdin.Write(e.Data)
		}
	} else {
		_, err = d.stdin.Write(e.Data)
	}
	if err != nil {
		d.postProcessError(procErr(d.proc, "decoder input", err))
		d.stopProcess(false)
		return
	}

	d.fed++
	d.mu.Lock()
	d.pts = append(d.pts, e.PTS)
	d.mu.Unlock()
}

func (d *AVDecode) ivf() bool {
	return d.dec.Codec.BitstreamFormat() == "ivf"
}

// keyframeGeometry determines the frame dimensions needed to size the
// conversion's output frames.
func (d *AVDecode) keyframeGeometry(data []byte) (int, int, error) {
	switch d.dec.Codec {
	case providers.CodecVP8:
		return parseVP8Keyframe(data)
	case providers.CodecVP9:
		return parseVP9Keyframe(data)
	case providers.CodecAV1:
		return parseAV1Keyframe(data)
	default:
		if d.width == 0 || d.height == 0 {
			return 0, 0, errors.New("no geometry caps received yet")
		}
		return d.width, d.height, nil
	}
}

func (d *AVDecode) startProcess(width, height int) error {
	proc, err := d.spawn(d.procCtx, d.dec.Args())
	if err != nil {
		return fmt.Errorf("spawn decoder: %w", err)
	}
	d.proc = proc
	d.stdin = proc.Stdin()
	d.width, d.height = width, height
	d.fed = 0

	d.mu.Lock()
	d.pts = d.pts[:0]
	d.closing = false
	d.procFailed = false
	d.mu.Unlock()

	if d.ivf() {
		header := ivfStreamHeader(ivfFourCC[string(d.dec.Codec)], width, height)
		if _, err := d.stdin.Write(header); err != nil {
			werr := procErr(d.proc, "decoder input", err)
			d.stopProcess(false)
			return werr
		}
	}

	d.readerWG.Add(1)
	go d.readFrames(proc, width, height)

	logger := d.Logger()
	logger.Info().
		Str("element", d.dec.Element).
		Stringer("provider", d.dec.Provider).
		Int("width", width).Int("height", height).
		Msg("decoder started")
	return nil
}

// stopProcess tears the conversion down. With drain set the process is
// given time to flush buffered frames through stdout first.
func (d *AVDecode) stopProcess(drain bool) {
	logger := d.Logger()
	proc := d.proc
	if proc == nil {
		return
	}

	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	if d.stdin != nil {
		if err := d.stdin.Close(); err != nil {
			logger.Debug().Err(err).Msg("decoder stdin close failed")
		}
	}

	var guard *time.Timer
	if drain {
		guard = time.AfterFunc(decodeDrainTimeout, proc.Kill)
	} else {
		proc.Kill()
	}
	d.readerWG.Wait()
	if guard != nil {
		guard.Stop()
	}

	if err := proc.Wait(); err != nil && drain {
		logger.Warn().Err(err).Msg("decoder exited with error")
	}

	d.proc = nil
	d.stdin = nil
	d.mu.Lock()
	d.pts = d.pts[:0]
	d.closing = false
	d.mu.Unlock()
}

// readFrames pulls raw frames off the conversion's stdout and forwards
// them downstream. It runs once per process and exits on stream end.
func (d *AVDecode) readFrames(proc providers.Process, width, height int) {
	defer d.readerWG.Done()

	logger := d.Logger()
	frameSize := core.FrameSize(core.PixelFormatI420, width, height)
	d.Send(core.CapsEvent{Caps: core.Caps{
		MediaType: core.MediaTypeRaw,
		Width:     width,
		Height:    height,
		Format:    core.PixelFormatI420,
	}})

	var decoded uint64
	var last time.Duration
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(proc.Stdout(), buf); err != nil {
			if d.isClosing() {
				logger.Debug().Uint64("frames", decoded).Msg("decoder output ended")
			} else {
				d.postProcessError(procErr(proc, "decoder output", err))
			}
			return
		}

		pts, ok := d.takePTS()
		if !ok {
			pts = last + frameInterval
		}
		last = pts
		decoded++

		d.Send(core.FrameEvent{Frame: core.Frame{
			Format: core.PixelFormatI420,
			Width:  width,
			Height: height,
			Data:   buf,
			PTS:    pts,
		}})
	}
}

// takePTS hands out the smallest queued input timestamp. Output frames
// arrive in presentation order, so the smallest one is being presented.
func (d *AVDecode) takePTS() (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pts) == 0 {
		return 0, false
	}
	min := 0
	for i, p := range d.pts {
		if p < d.pts[min] {
			min = i
		}
	}
	v := d.pts[min]
	d.pts = append(d.pts[:min], d.pts[min+1:]...)
	return v, true
}

func (d *AVDecode) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// postProcessError reports a conversion failure once per process.
func (d *AVDecode) postProcessError(err error) {
	d.mu.Lock()
	already := d.procFailed
	d.procFailed = true
	d.mu.Unlock()
	if already {
		return
	}
	logger := d.Logger()
	logger.Error().Err(err).Msg("decode failed")
	if d.Bus() != nil {
		d.Bus().PostError(d.Name(), err)
	}
}

// procErr annotates a conversion failure with the process stderr tail
// when one is available.
func procErr(proc providers.Process, op string, err error) error {
	if proc != nil {
		if tail := proc.StderrTail(); tail != "" {
			return fmt.Errorf("%s: %w: %s", op, err, tail)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
