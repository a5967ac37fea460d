// Package browser provides an [audio.Source] backed by a microphone in a web
// page. The page captures audio with getUserMedia and streams it to the
// [Gateway] over a WebSocket; the gateway forwards capture requests to the
// page and pushes hit notifications back to it.
//
// One page may be connected per device key. A page connects to the gateway's
// handler with an optional ?device=<key> query parameter; [audio.Constraints]
// with the same DeviceID are routed to that page.
//
// Wire protocol (text messages are JSON):
//
//	server → page  {"type":"acquire","constraints":{...}}
//	page → server  {"type":"acquired","sampleRate":48000,"channels":1,"encoding":"pcm16"}
//	page → server  {"type":"error","error":"permission_denied","message":"..."}
//	page → server  binary PCM16 LE (or one Opus packet per message)
//	server → page  {"type":"release"}
//	server → page  {"type":"hit","category":"low","drum":"don",...}
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/donka/pkg/audio"
	"github.com/MrWong99/donka/pkg/hit"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Gateway)(nil)
	_ audio.Handle = (*stream)(nil)
)

const (
	// DefaultAcquireTimeout bounds how long Open waits for the page to answer
	// an acquire request. It covers the browser permission prompt.
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultDevice is the device key of pages that connect without one.
	DefaultDevice = "default"

	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second
	outboxSize   = 64
)

// Option configures a [Gateway].
type Option func(*Gateway)

// WithAcquireTimeout sets how long Open waits for the page's answer. A
// non-positive d keeps [DefaultAcquireTimeout].
func WithAcquireTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.acquireTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin pages matching the given host
// patterns to connect. By default only same-origin pages are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) {
		g.originPatterns = patterns
	}
}

// Gateway accepts page connections and implements [audio.Source] on top of
// them. It is also an HTTP handler; mount it on the audio WebSocket route.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	acquireTimeout time.Duration
	originPatterns []string

	mu    sync.Mutex
	peers map[string]*peer
}

// New creates a Gateway with the given options applied.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		acquireTimeout: DefaultAcquireTimeout,
		peers:          make(map[string]*peer),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ServeHTTP upgrades the request to a WebSocket and serves the page until it
// disconnects. A second page for an already connected device is refused with
// 409 Conflict.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device := deviceKey(r.URL.Query().Get("device"))

	p := newPeer(device)
	if !g.register(p) {
		http.Error(w, fmt.Sprintf("device %q already connected", device), http.StatusConflict)
		return
	}
	defer g.unregister(p)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		slog.Warn("browser: websocket accept failed", "device", device, "err", err)
		p.shutdown()
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p.attach(conn)
	slog.Info("browser: page connected", "device", device, "remote", r.RemoteAddr)

	go p.writeLoop(ctx)
	err = p.readLoop(ctx)
	p.shutdown()

	conn.CloseNow()
	slog.Info("browser: page disconnected", "device", device, "status", websocket.CloseStatus(err))
}

// Open asks the page connected for c.DeviceID to start capturing with c. It
// fails with [audio.ErrDeviceUnavailable] when no page is connected, the page
// is already capturing, or the page leaves before answering, and with
// [audio.ErrPermissionDenied] when the page reports a refused prompt.
func (g *Gateway) Open(ctx context.Context, c audio.Constraints) (audio.Handle, error) {
	device := deviceKey(c.DeviceID)

	g.mu.Lock()
	p, ok := g.peers[device]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("browser: no page connected for device %q: %w", device, audio.ErrDeviceUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	select {
	case <-p.ready:
	case <-p.done:
		return nil, fmt.Errorf("browser: page for device %q left: %w", device, audio.ErrDeviceUnavailable)
	case <-ctx.Done():
		return nil, fmt.Errorf("browser: wait for page %q: %w", device, ctx.Err())
	}

	s, err := p.acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	slog.Info("browser: capture acquired", "device", device, "format", s.format)
	return s, nil
}

// Notify sends e to every connected page. Pages that cannot keep up drop the
// notification. Notify has the [hit.Sink] signature.
func (g *Gateway) Notify(e hit.Event) {
	g.Broadcast(hitMessage{
		Type:        typeHit,
		Category:    e.Category.String(),
		Drum:        e.Category.Drum(),
		Loudness:    e.Loudness,
		TimestampMs: e.TimestampMs,
	})
}

// Broadcast marshals v as JSON and queues it for every connected page.
func (g *Gateway) Broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		slog.Error("browser: marshal broadcast", "err", err)
		return
	}
	for _, p := range g.snapshot() {
		if !p.trySend(msg) {
			slog.Debug("browser: outbox full, dropping message", "device", p.device)
		}
	}
}

// Connected reports whether a page is connected for device.
func (g *Gateway) Connected(device string) bool {
	g.mu.Lock()
	p, ok := g.peers[deviceKey(device)]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// Devices returns the keys of all connected pages.
func (g *Gateway) Devices() []string {
	peers := g.snapshot()
	keys := make([]string, 0, len(peers))
	for _, p := range peers {
		keys = append(keys, p.device)
	}
	return keys
}

// Close disconnects every page. Open capture streams end.
func (g *Gateway) Close() error {
	var errs []error
	for _, p := range g.snapshot() {
		if err := p.close(websocket.StatusGoingAway, "server shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) register(p *peer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.peers[p.device]; ok {
		return false
	}
	g.peers[p.device] = p
	return true
}

func (g *Gateway) unregister(p *peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peers[p.device] == p {
		delete(g.peers, p.device)
	}
}

func (g *Gateway) snapshot() []*peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*peer, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, p)
	}
	return out
}

func deviceKey(id string) string {
	if id == "" {
		return DefaultDevice
	}
	return id
}
