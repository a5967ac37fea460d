package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/donka/pkg/audio"
)

// ─── messages ─────────────────────────────────────────────────────────────────

const (
	typeAcquire  = "acquire"
	typeAcquired = "acquired"
	typeError    = "error"
	typeRelease  = "release"
	typeHit      = "hit"

	encodingPCM16 = "pcm16"
	encodingOpus  = "opus"

	errPermissionDenied  = "permission_denied"
	errDeviceUnavailable = "device_unavailable"
)

// controlMessage is the envelope of every JSON control message.
type controlMessage struct {
	Type        string             `json:"type"`
	Constraints *audio.Constraints `json:"constraints,omitempty"`
	SampleRate  int                `json:"sampleRate,omitempty"`
	Channels    int                `json:"channels,omitempty"`
	Encoding    string             `json:"encoding,omitempty"`
	Error       string             `json:"error,omitempty"`
	Message     string             `json:"message,omitempty"`
}

type hitMessage struct {
	Type        string  `json:"type"`
	Category    string  `json:"category"`
	Drum        string  `json:"drum"`
	Loudness    float64 `json:"loudness"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// pageError maps the error code sent by the page onto the audio errors.
func pageError(m controlMessage) error {
	var base error
	switch m.Error {
	case errPermissionDenied:
		base = audio.ErrPermissionDenied
	default:
		base = audio.ErrDeviceUnavailable
	}
	if m.Message != "" {
		return fmt.Errorf("browser: page refused capture (%s: %s): %w", m.Error, m.Message, base)
	}
	return fmt.Errorf("browser: page refused capture (%s): %w", m.Error, base)
}

// ─── peer ─────────────────────────────────────────────────────────────────────

type acquireResult struct {
	s   *stream
	err error
}

// peer is one connected page.
type peer struct {
	device string
	out    chan []byte

	ready     chan struct{} // closed once conn is set
	done      chan struct{} // closed when the page is gone
	readyOnce sync.Once
	doneOnce  sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	pending chan acquireResult
	stream  *stream
}

func newPeer(device string) *peer {
	return &peer{
		device: device,
		out:    make(chan []byte, outboxSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *peer) attach(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *peer) close(code websocket.StatusCode, reason string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}

// acquire sends an acquire request and waits for the page to answer.
func (p *peer) acquire(ctx context.Context, c audio.Constraints) (*stream, error) {
	ch := make(chan acquireResult, 1)

	p.mu.Lock()
	if p.stream != nil || p.pending != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("browser: device %q busy: %w", p.device, audio.ErrDeviceUnavailable)
	}
	p.pending = ch
	p.mu.Unlock()

	msg, err := json.Marshal(controlMessage{Type: typeAcquire, Constraints: &c})
	if err != nil {
		p.abandon(ch)
		return nil, fmt.Errorf("browser: marshal acquire: %w", err)
	}

	select {
	case p.out <- msg:
	case <-p.done:
		p.abandon(ch)
		return nil, fmt.Errorf("browser: page for device %q left: %w", p.device, audio.ErrDeviceUnavailable)
	case <-ctx.Done():
		p.abandon(ch)
		return nil, fmt.Errorf("browser: send acquire: %w", ctx.Err())
	}

	select {
	case res := <-ch:
		return res.s, res.err
	case <-ctx.Done():
		p.abandon(ch)
		return nil, fmt.Errorf("browser: wait for acquire answer: %w", ctx.Err())
	}
}

// abandon withdraws a pending acquire. An answer that raced in is released.
func (p *peer) abandon(ch chan acquireResult) {
	p.mu.Lock()
	if p.pending == ch {
		p.pending = nil
	}
	p.mu.Unlock()

	select {
	case res := <-ch:
		if res.s != nil {
			_ = res.s.Close()
		}
	default:
	}
}

// answer resolves the pending acquire with an acquired or error message.
func (p *peer) answer(m controlMessage) {
	p.mu.Lock()
	ch := p.pending
	p.pending = nil
	if ch == nil {
		p.mu.Unlock()
		slog.Debug("browser: unsolicited answer", "device", p.device, "type", m.Type)
		return
	}

	var res acquireResult
	if m.Type == typeError {
		res.err = pageError(m)
	} else {
		res.s, res.err = newStream(p, m)
		if res.err == nil {
			p.stream = res.s
		}
	}
	p.mu.Unlock()

	ch <- res
}

func (p *peer) current() *stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

// detach drops s as the active stream and tells the page to stop capturing.
func (p *peer) detach(s *stream) {
	p.mu.Lock()
	if p.stream != s {
		p.mu.Unlock()
		return
	}
	p.stream = nil
	p.mu.Unlock()

	msg, _ := json.Marshal(controlMessage{Type: typeRelease})
	p.trySend(msg)
}

func (p *peer) trySend(msg []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- msg:
		return true
	default:
		return false
	}
}

// shutdown ends the active stream and fails any pending acquire.
func (p *peer) shutdown() {
	p.doneOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	s := p.stream
	p.stream = nil
	ch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if s != nil {
		s.end()
	}
	if ch != nil {
		ch <- acquireResult{err: fmt.Errorf("browser: page for device %q left: %w", p.device, audio.ErrDeviceUnavailable)}
	}
}

func (p *peer) readLoop(ctx context.Context) error {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			if s := p.current(); s != nil {
				s.deliver(data)
			}
		case websocket.MessageText:
			var m controlMessage
			if err := json.Unmarshal(data, &m); err != nil {
				slog.Warn("browser: malformed control message", "device", p.device, "err", err)
				continue
			}
			switch m.Type {
			case typeAcquired, typeError:
				p.answer(m)
			default:
				slog.Debug("browser: ignoring control message", "device", p.device, "type", m.Type)
			}
		}
	}
}

func (p *peer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("browser: write failed", "device", p.device, "err", err)
				}
				return
			}
		}
	}
}

// ─── stream ───────────────────────────────────────────────────────────────────

// frameBuffer is the capacity of a stream's frame channel.
const frameBuffer = 32

// stream is the [audio.Handle] for one acquire.
type stream struct {
	p      *peer
	format audio.Format
	dec    *opusDecoder

	mu      sync.Mutex
	frames  chan audio.AudioFrame
	ended   bool
	pos     time.Duration
	dropped int

	closeOnce sync.Once
}

func newStream(p *peer, m controlMessage) (*stream, error) {
	if m.Channels < 1 || m.Channels > 8 {
		return nil, fmt.Errorf("browser: page reported %d channels: %w", m.Channels, audio.ErrDeviceUnavailable)
	}

	s := &stream{p: p, frames: make(chan audio.AudioFrame, frameBuffer)}
	switch m.Encoding {
	case "", encodingPCM16:
		if m.SampleRate <= 0 {
			return nil, fmt.Errorf("browser: page reported sample rate %d: %w", m.SampleRate, audio.ErrDeviceUnavailable)
		}
		s.format = audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}
	case encodingOpus:
		dec, err := newOpusDecoder(m.Channels)
		if err != nil {
			return nil, err
		}
		s.dec = dec
		s.format = audio.Format{SampleRate: opusSampleRate, Channels: m.Channels}
	default:
		return nil, fmt.Errorf("browser: unsupported encoding %q: %w", m.Encoding, audio.ErrDeviceUnavailable)
	}
	return s, nil
}

// Frames implements [audio.Handle].
func (s *stream) Frames() <-chan audio.AudioFrame {
	return s.frames
}

// Format implements [audio.Handle].
func (s *stream) Format() audio.Format {
	return s.format
}

// Close implements [audio.Handle]. It sends a release message to the page if
// it is still connected.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.end()
		s.p.detach(s)
	})
	return nil
}

func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.frames)
	if s.dropped > 0 {
		slog.Debug("browser: stream dropped chunks", "device", s.p.device, "dropped", s.dropped)
	}
}

// deliver decodes one binary message and queues it. Chunks are dropped when
// the consumer falls behind.
func (s *stream) deliver(data []byte) {
	pcm := data
	if s.dec != nil {
		var err error
		if pcm, err = s.dec.decode(data); err != nil {
			slog.Debug("browser: dropping undecodable packet", "device", s.p.device, "err", err)
			return
		}
	}
	if len(pcm) == 0 || len(pcm)%(2*s.format.Channels) != 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	f := audio.AudioFrame{
		Data:       pcm,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.pos,
	}
	s.pos += f.Duration()
	select {
	case s.frames <- f:
	default:
		s.dropped++
	}
}
