package stages

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

const (
	rtspDialTimeout     = 10 * time.Second
	rtspResponseTimeout = 10 * time.Second
	rtspKeepalive       = 25 * time.Second
	rtspUserAgent       = "rovlink"
)

// RTSPSource pulls a video stream from an RTSP server over TCP
// interleaved transport: one connection carries the session control
// and the RTP datagrams, so no extra ports need to be reachable.
//
// The session is negotiated when the stage reaches Ready. The SDP's
// first video stream is played; any other streams the server offers
// are ignored and reported. RTP datagrams surface downstream exactly
// as a UDP source would deliver them, caps first.
type RTSPSource struct {
	*core.Base

	rawURL string

	conn      net.Conn
	br        *bufio.Reader
	cseq      int
	session   string
	keepalive time.Duration
	pingVerb  string
	target    string
	control   string
	caps      core.Caps

	writeMu sync.Mutex

	playQuit chan struct{}
	wg       sync.WaitGroup
	started  time.Time
}

// RTSPSourceConfig configures an RTSP source
type RTSPSourceConfig struct {
	Name   string
	Logger zerolog.Logger
	Bus    *core.Bus

	// URL is the rtsp:// stream location.
	URL string
}

// NewRTSPSource creates the source. Nothing is contacted until the
// stage reaches Ready.
func NewRTSPSource(cfg RTSPSourceConfig) *RTSPSource {
	s := &RTSPSource{
		rawURL:    cfg.URL,
		keepalive: rtspKeepalive,
		pingVerb:  "OPTIONS",
	}
	s.Base = core.NewBase(core.BaseConfig{
		Name:        cfg.Name,
		Logger:      cfg.Logger,
		Bus:         cfg.Bus,
		Handler:     s,
		OutputTypes: []core.MediaType{core.MediaTypeRTP},
	})
	return s
}

// HandleEvent ignores input; a source has none.
func (s *RTSPSource) HandleEvent(ev core.Event) {
	s.Logger().Debug().Str("event", string(ev.EventType())).Msg("source ignores input events")
}

// OnStateChange negotiates the session on the way to Ready, starts
// playback entering Playing and unwinds both on the way down.
func (s *RTSPSource) OnStateChange(from, to core.State) error {
	switch {
	case from == core.StateNull && to == core.StateReady:
		if err := s.connect(); err != nil {
			s.closeConn()
			return err
		}

	case from == core.StatePaused && to == core.StatePlaying:
		if _, err := s.do("PLAY", s.target, map[string]string{"Range": "npt=0.000-"}); err != nil {
			return fmt.Errorf("play: %w", err)
		}
		s.Send(core.CapsEvent{Caps: s.caps})
		s.startReader()

	case from == core.StatePlaying && to == core.StatePaused:
		s.stopReader()
		if _, err := s.do("PAUSE", s.target, nil); err != nil {
			s.Logger().Warn().Err(err).Msg("pause failed")
		}

	case from == core.StateReady && to == core.StateNull:
		if s.conn != nil && s.session != "" {
			if _, err := s.do("TEARDOWN", s.target, nil); err != nil {
				s.Logger().Debug().Err(err).Msg("teardown failed")
			}
		}
		s.closeConn()
	}
	return nil
}

// connect dials the server and walks OPTIONS, DESCRIBE and SETUP.
func (s *RTSPSource) connect() error {
	u, err := url.Parse(s.rawURL)
	if err != nil {
		return fmt.Errorf("parse %s: %w", s.rawURL, err)
	}
	if u.Scheme != "rtsp" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return errors.New("rtsp authentication not supported")
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}
	clean := *u
	clean.Host = host
	s.target = clean.String()

	conn, err := net.DialTimeout("tcp", host, rtspDialTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", host, err)
	}
	s.conn = conn
	s.br = bufio.NewReaderSize(conn, 64*1024)
	s.cseq = 0
	s.session = ""
	s.Logger().Info().Str("url", s.target).Msg("connected")

	resp, err := s.do("OPTIONS", s.target, nil)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if strings.Contains(resp.header["public"], "GET_PARAMETER") {
		s.pingVerb = "GET_PARAMETER"
	}

	resp, err = s.do("DESCRIBE", s.target, map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	base := resp.header["content-base"]
	if base == "" {
		base = s.target
	}
	if err := s.pickMedia(parseSDP(string(resp.body)), base); err != nil {
		return err
	}

	resp, err = s.do("SETUP", s.control, map[string]string{
		"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1",
	})
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	s.adoptSession(resp.header["session"])
	if s.session == "" {
		return errors.New("setup: no session id")
	}
	s.Logger().Info().
		Str("session", s.session).
		Str("encoding", s.caps.EncodingName).
		Int("clock-rate", s.caps.ClockRate).
		Msg("session established")
	return nil
}

// pickMedia selects the first playable video stream and reports the
// streams that will not be used.
func (s *RTSPSource) pickMedia(medias []sdpMedia, base string) error {
	chosen := -1
	for i, m := range medias {
		if chosen < 0 && m.kind == "video" && m.encoding != "" {
			chosen = i
			continue
		}
		s.Logger().Info().Str("kind", m.kind).Str("encoding", m.encoding).Msg("stream ignored")
		if s.Bus() != nil {
			s.Bus().PostWarning(s.Name(), fmt.Sprintf("%s stream ignored", m.kind))
		}
	}
	if chosen < 0 {
		return errors.New("no playable video stream in sdp")
	}
	m := medias[chosen]
	s.control = resolveControl(base, m.control)
	s.caps = core.Caps{
		MediaType:    core.MediaTypeRTP,
		EncodingName: m.encoding,
		ClockRate:    m.clockRate,
	}
	return nil
}

func (s *RTSPSource) adoptSession(header string) {
	if header == "" {
		return
	}
	parts := strings.Split(header, ";")
	s.session = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "timeout="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 1 {
				half := time.Duration(secs) * time.Second / 2
				if half < s.keepalive {
					s.keepalive = half
				}
			}
		}
	}
}

func (s *RTSPSource) closeConn() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.Logger().Debug().Err(err).Msg("connection close failed")
		}
		s.conn = nil
		s.br = nil
	}
}

// do sends a request and reads its response, skipping any interleaved
// data that arrives in between. Only call while the reader goroutine
// is stopped.
func (s *RTSPSource) do(method, target string, headers map[string]string) (*rtspResponse, error) {
	if err := s.send(method, target, headers); err != nil {
		return nil, err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(rtspResponseTimeout)); err != nil {
		return nil, err
	}
	defer s.conn.SetReadDeadline(time.Time{})
	resp, err := readRTSPResponse(s.br, true)
	if err != nil {
		return nil, err
	}
	if resp.status != 200 {
		return nil, fmt.Errorf("%s: server answered %d", method, resp.status)
	}
	return resp, nil
}

// send writes a request without waiting for the response.
func (s *RTSPSource) send(method, target string, headers map[string]string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.cseq++

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, target)
	fmt.Fprintf(&b, "CSeq: %d\r\n", s.cseq)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", rtspUserAgent)
	if s.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", s.session)
	}
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(s.conn, b.String()); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (s *RTSPSource) startReader() {
	s.playQuit = make(chan struct{})
	s.started = time.Now()
	s.wg.Add(2)
	go s.read(s.conn, s.br, s.playQuit)
	go s.ping(s.playQuit)
}

func (s *RTSPSource) stopReader() {
	if s.playQuit == nil {
		return
	}
	close(s.playQuit)
	s.wg.Wait()
	s.playQuit = nil
}

// ping keeps the session alive while playing.
func (s *RTSPSource) ping(quit <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			// The reader consumes and discards the response.
			if err := s.send(s.pingVerb, s.target, nil); err != nil {
				s.Logger().Warn().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

// read demultiplexes the interleaved stream: RTP datagrams go
// downstream, RTCP and server replies are discarded.
func (s *RTSPSource) read(conn net.Conn, br *bufio.Reader, quit <-chan struct{}) {
	defer s.wg.Done()

	logger := s.Logger()
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
		first, err := br.ReadByte()
		if err != nil {
			if s.readerDead(err, "rtsp read") {
				return
			}
			continue
		}

		// A unit has started; allow it time to arrive whole.
		if err := conn.SetReadDeadline(time.Now().Add(rtspResponseTimeout)); err != nil {
			logger.Warn().Err(err).Msg("set read deadline failed")
		}

		if first != '$' {
			if err := br.UnreadByte(); err != nil {
				s.unitLost(err, "rtsp response")
				return
			}
			resp, err := readRTSPResponse(br, false)
			if err != nil {
				s.unitLost(err, "rtsp response")
				return
			}
			logger.Debug().Int("status", resp.status).Msg("server reply discarded")
			continue
		}

		var hdr [3]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			s.unitLost(err, "rtsp frame")
			return
		}
		channel := hdr[0]
		length := binary.BigEndian.Uint16(hdr[1:3])

		if channel != 0 {
			if _, err := io.CopyN(io.Discard, br, int64(length)); err != nil {
				s.unitLost(err, "rtsp frame")
				return
			}
			continue
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(br, data); err != nil {
			s.unitLost(err, "rtsp frame")
			return
		}
		received++
		s.Send(core.PacketEvent{
			Data: data,
			PTS:  time.Since(s.started),
		})
	}
}

// readerDead classifies an error on the poll for the next unit:
// timeouts mean try again, anything else ends the reader.
func (s *RTSPSource) readerDead(err error, op string) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	s.unitLost(err, op)
	return true
}

// unitLost reports a failure in the middle of a unit. The stream
// cannot resynchronize after one, so the caller must stop reading.
func (s *RTSPSource) unitLost(err error, op string) {
	if errors.Is(err, net.ErrClosed) {
		return
	}
	werr := fmt.Errorf("%s: %w", op, err)
	s.Logger().Error().Err(werr).Msg("stream lost")
	if s.Bus() != nil {
		s.Bus().PostError(s.Name(), werr)
	}
}

// rtspResponse is a parsed server reply.
type rtspResponse struct {
	status int
	header map[string]string
	body   []byte
}

// readRTSPResponse parses one reply off the stream. With skipData set,
// interleaved data frames in front of the reply are discarded, which
// covers replies requested while media is still flowing.
func readRTSPResponse(br *bufio.Reader, skipData bool) (*rtspResponse, error) {
	for {
		first, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if first == '$' && skipData {
			var hdr [3]byte
			if _, err := io.ReadFull(br, hdr[:]); err != nil {
				return nil, err
			}
			n := binary.BigEndian.Uint16(hdr[1:3])
			if _, err := io.CopyN(io.Discard, br, int64(n)); err != nil {
				return nil, err
			}
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return nil, err
		}
		break
	}

	line, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "RTSP/") {
		return nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}

	resp := &rtspResponse{status: status, header: make(map[string]string)}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		resp.header[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if cl := resp.header["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > 1<<20 {
			return nil, fmt.Errorf("bad content length %q", cl)
		}
		resp.body = make([]byte, n)
		if _, err := io.ReadFull(br, resp.body); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// sdpMedia is one m= section of a session description.
type sdpMedia struct {
	kind      string
	payload   string
	control   string
	encoding  string
	clockRate int
}

// parseSDP extracts the media sections and the attributes the source
// needs: control URLs and payload encodings.
func parseSDP(body string) []sdpMedia {
	var medias []sdpMedia
	var current *sdpMedia

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			fields := strings.Fields(line[2:])
			m := sdpMedia{kind: "unknown"}
			if len(fields) > 0 {
				m.kind = fields[0]
			}
			if len(fields) > 3 {
				m.payload = fields[3]
			}
			medias = append(medias, m)
			current = &medias[len(medias)-1]

		case current == nil:
			// session-level line

		case strings.HasPrefix(line, "a=control:"):
			current.control = strings.TrimPrefix(line, "a=control:")

		case strings.HasPrefix(line, "a=rtpmap:"):
			rest := strings.TrimPrefix(line, "a=rtpmap:")
			pt, spec, ok := strings.Cut(rest, " ")
			if !ok || pt != current.payload {
				continue
			}
			name, rate, _ := strings.Cut(spec, "/")
			current.encoding = name
			if rate != "" {
				if hz, _, ok := strings.Cut(rate, "/"); ok {
					rate = hz
				}
				if v, err := strconv.Atoi(rate); err == nil {
					current.clockRate = v
				}
			}
		}
	}
	return medias
}

// resolveControl joins a media control attribute with the session base
// URL. Absolute controls are used as-is; "*" means the base itself.
func resolveControl(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case strings.Contains(control, "://"):
		return control
	default:
		return strings.TrimRight(base, "/") + "/" + control
	}
}
