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

// AVEncode compresses raw frames through an external conversion process
// resolved by the provider registry. I420 frames go in on stdin; the
// encoded stream comes back on stdout and is reframed into one packet
// per access unit with the timestamp of the frame that produced it.
//
// The process is spawned on the first caps carrying geometry. The
// encoder is tuned for one output unit per input frame in input order,
// which is what makes the timestamp queue line up.
type AVEncode struct {
	*core.Base

	enc   providers.Encoder
	spawn providers.SpawnFunc

	procCtx    context.Context
	procCancel context.CancelFunc

	// Owned by the stage goroutine between Ready and Null.
	width  int
	height int
	proc   providers.Process
	stdin  io.WriteCloser

	mu         sync.Mutex
	pts        []time.Duration
	last       time.Duration
	closing    bool
	procFailed bool

	readerWG sync.WaitGroup
}

// AVEncodeConfig configures an encode stage
type AVEncodeConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Encoder is the resolved encode capability to run.
	Encoder providers.Encoder

	// Spawn starts the conversion process. Defaults to the encoder's
	// own backend.
	Spawn providers.SpawnFunc
}

// NewAVEncode creates the encode stage. No process is spawned until
// caps with geometry arrive.
func NewAVEncode(cfg AVEncodeConfig) *AVEncode {
	e := &AVEncode{
		enc:   cfg.Encoder,
		spawn: cfg.Spawn,
	}
	if e.spawn == nil && cfg.Encoder.FFmpeg != nil {
		e.spawn = cfg.Encoder.FFmpeg.Spawn
	}
	e.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     e,
		InputTypes:  []core.MediaType{core.MediaTypeRaw},
		OutputTypes: []core.MediaType{cfg.Encoder.Codec.MediaType()},
		InboxSize:   16,
	})
	return e
}

// OnStateChange verifies the backend on the way up and reaps the
// conversion process on the way down.
func (e *AVEncode) OnStateChange(from, to core.State) error {
	switch {
	case from == core.StateNull && to == core.StateReady:
		if e.spawn == nil {
			return errors.New("no conversion backend configured")
		}
		e.procCtx, e.procCancel = context.WithCancel(context.Background())

	case from == core.StateReady && to == core.StateNull:
		if e.proc != nil {
			e.stopProcess(false)
		}
		if e.procCancel != nil {
			e.procCancel()
			e.procCancel = nil
		}
	}
	return nil
}

func (e *AVEncode) HandleEvent(ev core.Event) {
	switch m := ev.(type) {
	case core.CapsEvent:
		e.handleCaps(m.Caps)
	case core.FrameEvent:
		e.feed(m.Frame)
	case core.EOSEvent:
		if e.proc != nil {
			e.stopProcess(true)
		}
		e.Send(core.EOSEvent{})
	}
}

func (e *AVEncode) handleCaps(caps core.Caps) {
	logger := e.Logger()
	if !caps.HasGeometry() {
		logger.Warn().Msg("caps without geometry ignored")
		return
	}
	if caps.Format != "" && caps.Format != core.PixelFormatI420 {
		e.postProcessError(fmt.Errorf("encoder needs %s input, got %s", core.PixelFormatI420, caps.Format))
		return
	}
	if e.proc != nil {
		if caps.Width == e.width && caps.Height == e.height {
			return
		}
		logger.Info().
			Int("width", caps.Width).Int("height", caps.Height).
			Msg("geometry changed, restarting encoder")
		e.stopProcess(true)
	}
	if err := e.startProcess(caps.Width, caps.Height); err != nil {
		e.postProcessError(err)
	}
}

func (e *AVEncode) feed(f core.Frame) {
	if e.proc == nil {
		return
	}
	if want := core.FrameSize(core.PixelFormatI420, e.width, e.height); len(f.Data) != want {
		logger := e.Logger()
		logger.Warn().
			Int("bytes", len(f.Data)).Int("want", want).
			Msg("frame size mismatch, frame dropped")
		return
	}

	if _, err := e.stdin.Write(f.Data); err != nil {
		e.postProcessError(procErr(e.proc, "encoder input", err))
		e.stopProcess(false)
		return
	}
	e.mu.Lock()
	e.pts = append(e.pts, f.PTS)
	e.mu.Unlock()
}

func (e *AVEncode) startProcess(width, height int) error {
	proc, err := e.spawn(e.procCtx, e.enc.Args(width, height))
	if err != nil {
		return fmt.Errorf("spawn encoder: %w", err)
	}
	e.proc = proc
	e.stdin = proc.Stdin()
	e.width, e.height = width, height

	e.mu.Lock()
	e.pts = e.pts[:0]
	e.last = 0
	e.closing = false
	e.procFailed = false
	e.mu.Unlock()

	e.readerWG.Add(1)
	go e.readStream(proc, width, height)

	logger := e.Logger()
	logger.Info().
		Str("element", e.enc.Element).
		Stringer("provider", e.enc.Provider).
		Int("width", width).Int("height", height).
		Msg("encoder started")
	return nil
}

// stopProcess tears the conversion down. With drain set the encoder is
// given time to flush its last units through stdout first.
func (e *AVEncode) stopProcess(drain bool) {
	logger := e.Logger()
	proc := e.proc
	if proc == nil {
		return
	}

	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	if e.stdin != nil {
		if err := e.stdin.Close(); err != nil {
			logger.Debug().Err(err).Msg("encoder stdin close failed")
		}
	}

	var guard *time.Timer
	if drain {
		guard = time.AfterFunc(decodeDrainTimeout, proc.Kill)
	} else {
		proc.Kill()
	}
	e.readerWG.Wait()
	if guard != nil {
		guard.Stop()
	}

	if err := proc.Wait(); err != nil && drain {
		logger.Warn().Err(err).Msg("encoder exited with error")
	}

	e.proc = nil
	e.stdin = nil
	e.mu.Lock()
	e.pts = e.pts[:0]
	e.closing = false
	e.mu.Unlock()
}

// readStream pulls the encoded stream off stdout, reframes it and
// forwards it downstream. It runs once per process and exits on stream
// end.
func (e *AVEncode) readStream(proc providers.Process, width, height int) {
	defer e.readerWG.Done()

	e.Send(core.CapsEvent{Caps: core.Caps{
		MediaType: e.enc.Codec.MediaType(),
		Width:     width,
		Height:    height,
	}})

	var err error
	if e.enc.Codec.BitstreamFormat() == "ivf" {
		err = e.readIVF(proc)
	} else {
		err = e.readAnnexB(proc)
	}
	if err != nil && !e.isClosing() {
		e.postProcessError(procErr(proc, "encoder output", err))
	}
}

// readIVF consumes whole frames from the container the encoder wraps
// VP8, VP9 and AV1 output in.
func (e *AVEncode) readIVF(proc providers.Process) error {
	if err := readIVFStreamHeader(proc.Stdout()); err != nil {
		return err
	}
	for {
		frame, _, err := readIVFFrame(proc.Stdout())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		e.Send(core.PacketEvent{
			Data:     frame,
			PTS:      e.takePTS(),
			Keyframe: e.isKeyframe(frame),
			Marker:   true,
		})
	}
}

func (e *AVEncode) isKeyframe(frame []byte) bool {
	switch e.enc.Codec {
	case providers.CodecVP8:
		return len(frame) > 0 && frame[0]&0x01 == 0
	case providers.CodecVP9:
		return vp9IsKeyframe(frame)
	case providers.CodecAV1:
		return av1HasSequenceHeader(frame)
	}
	return false
}

// readAnnexB splits the H.264 or H.265 byte stream into access units,
// one per input frame.
func (e *AVEncode) readAnnexB(proc providers.Process) error {
	h265 := e.enc.Codec == providers.CodecH265
	asm := streamAssembler{}
	var au [][]byte
	var auHasVCL, auKey bool

	emit := func() {
		if len(au) == 0 {
			return
		}
		size := 0
		for _, nalu := range au {
			size += len(startCode) + len(nalu)
		}
		data := make([]byte, 0, size)
		for _, nalu := range au {
			data = append(data, startCode...)
			data = append(data, nalu...)
		}
		e.Send(core.PacketEvent{Data: data, PTS: e.takePTS(), Keyframe: auKey, Marker: true})
		au = au[:0]
		auHasVCL = false
		auKey = false
	}

	take := func(nalu []byte) {
		if len(nalu) < 3 {
			return
		}
		var vcl, key, startsNew bool
		if h265 {
			nalType := (nalu[0] >> 1) & 0x3F
			vcl = nalType < 32
			key = nalType >= h265NALIRAPFirst && nalType <= h265NALIRAPLast
			startsNew = h265StartsNewAU(nalType, nalu)
		} else {
			nalType := nalu[0] & 0x1F
			vcl = nalType >= h264NALSlice && nalType <= h264NALSliceIDR
			key = nalType == h264NALSliceIDR
			startsNew = h264StartsNewAU(nalType, nalu)
		}
		if auHasVCL && startsNew {
			emit()
		}
		if vcl {
			auHasVCL = true
		}
		if key {
			auKey = true
		}
		au = append(au, nalu)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := proc.Stdout().Read(buf)
		if n > 0 {
			for _, nalu := range asm.push(buf[:n], false) {
				take(nalu)
			}
		}
		if err != nil {
			for _, nalu := range asm.flush() {
				take(nalu)
			}
			emit()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// takePTS hands out the oldest queued frame timestamp, synthesizing one
// when the encoder emits more units than frames were queued.
func (e *AVEncode) takePTS() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pts) == 0 {
		e.last += frameInterval
		return e.last
	}
	v := e.pts[0]
	e.pts = e.pts[1:]
	e.last = v
	return v
}

func (e *AVEncode) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// postProcessError reports a conversion failure once per process.
func (e *AVEncode) postProcessError(err error) {
	e.mu.Lock()
	already := e.procFailed
	e.procFailed = true
	e.mu.Unlock()
	if already {
		return
	}
	logger := e.Logger()
	logger.Error().Err(err).Msg("encode failed")
	if e.Bus() != nil {
		e.Bus().PostError(e.Name(), err)
	}
}
