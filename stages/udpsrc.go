package stages

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

const udpReadBufferSize = 64 * 1024

// UDPSource receives a video stream pushed to a local UDP port. It binds
// the socket when brought to Ready and reads datagrams on its own
// goroutine while Playing, announcing its configured caps downstream
// before the first packet.
type UDPSource struct {
	*core.Base

	addr string
	caps core.Caps

	mu       sync.Mutex
	conn     net.PacketConn
	playQuit chan struct{}
	readerWG sync.WaitGroup
	started  time.Time
}

// UDPSourceConfig configures a UDP source
type UDPSourceConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// Address is the local host:port to bind.
	Address string

	// Caps describe the stream arriving on the socket, either RTP with an
	// encoding name or a raw codec bytestream.
	Caps core.Caps
}

// NewUDPSource creates the source. The socket is not bound until the
// stage reaches Ready.
func NewUDPSource(cfg UDPSourceConfig) *UDPSource {
	s := &UDPSource{
		addr: cfg.Address,
		caps: cfg.Caps,
	}
	s.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     s,
		OutputTypes: []core.MediaType{cfg.Caps.MediaType},
	})
	return s
}

// HandleEvent ignores input; a source has none.
func (s *UDPSource) HandleEvent(ev core.Event) {
	s.Logger().Debug().Str("event", string(ev.EventType())).Msg("source ignores input events")
}

// OnStateChange binds the socket on the way to Ready, starts the reader
// entering Playing and unwinds both on the way down.
func (s *UDPSource) OnStateChange(from, to core.State) error {
	switch {
	case from == core.StateNull && to == core.StateReady:
		conn, err := net.ListenPacket("udp", s.addr)
		if err != nil {
			return fmt.Errorf("bind %s: %w", s.addr, err)
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.Logger().Info().Str("address", s.addr).Msg("socket bound")

	case from == core.StatePaused && to == core.StatePlaying:
		s.Send(core.CapsEvent{Caps: s.caps})
		s.startReader()

	case from == core.StatePlaying && to == core.StatePaused:
		s.stopReader()

	case from == core.StateReady && to == core.StateNull:
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				s.Logger().Warn().Err(err).Msg("socket close failed")
			}
		}
	}
	return nil
}

// LocalAddr returns the bound socket address, or nil before the stage
// has reached Ready. Useful when the configured address carried port 0.
func (s *UDPSource) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPSource) startReader() {
	s.mu.Lock()
	conn := s.conn
	s.playQuit = make(chan struct{})
	quit := s.playQuit
	s.started = time.Now()
	s.mu.Unlock()

	s.readerWG.Add(1)
	go s.read(conn, quit)
}

func (s *UDPSource) stopReader() {
	s.mu.Lock()
	quit := s.playQuit
	s.playQuit = nil
	s.mu.Unlock()
	if quit != nil {
		close(quit)
	}
	s.readerWG.Wait()
}

func (s *UDPSource) read(conn net.PacketConn, quit <-chan struct{}) {
	defer s.readerWG.Done()

	logger := s.Logger()
	buf := make([]byte, udpReadBufferSize)
	var received uint64

	for {
		select {
		case <-quit:
			logger.Debug().Uint64("packets", received).Msg("reader stopped")
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			logger.Warn().Err(err).Msg("set read deadline failed")
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.Bus() != nil {
				s.Bus().PostError(s.Name(), fmt.Errorf("udp read: %w", err))
			}
			logger.Error().Err(err).Msg("udp read failed")
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		received++
		s.Send(core.PacketEvent{
			Data: data,
			PTS:  time.Since(s.started),
		})
	}
}
