package sink

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/castlink/cast-agent/internal/capture"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 4 * 1024

	// HeaderSize is the fixed prefix of every binary preview frame:
	// media (1), flags (1), big-endian PTS in microseconds (8).
	HeaderSize = 10

	defaultClientQueue = 32
)

// Frame flags.
const (
	FlagKeyFrame    byte = 1 << 0
	FlagSilence     byte = 1 << 1
	FlagEndOfStream byte = 1 << 2
)

var errShortFrame = errors.New("sink: preview frame shorter than header")

// EncodeFrame lays out c as a binary preview frame.
func EncodeFrame(c capture.EncodedChunk) []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	buf[0] = byte(c.Media)
	if c.KeyFrame {
		buf[1] |= FlagKeyFrame
	}
	if c.Silence {
		buf[1] |= FlagSilence
	}
	if c.EndOfStream {
		buf[1] |= FlagEndOfStream
	}
	binary.BigEndian.PutUint64(buf[2:HeaderSize], uint64(c.PTSMicros))
	copy(buf[HeaderSize:], c.Payload)
	return buf
}

// DecodeFrame is the inverse of EncodeFrame. The payload aliases b.
func DecodeFrame(b []byte) (capture.EncodedChunk, error) {
	if len(b) < HeaderSize {
		return capture.EncodedChunk{}, errShortFrame
	}
	media := capture.MediaType(b[0])
	if media != capture.Video && media != capture.Audio {
		return capture.EncodedChunk{}, fmt.Errorf("sink: unknown media byte %d", b[0])
	}
	return capture.EncodedChunk{
		Media:       media,
		KeyFrame:    b[1]&FlagKeyFrame != 0,
		Silence:     b[1]&FlagSilence != 0,
		EndOfStream: b[1]&FlagEndOfStream != 0,
		PTSMicros:   int64(binary.BigEndian.Uint64(b[2:HeaderSize])),
		Payload:     b[HeaderSize:],
	}, nil
}

// ControlMessage is the JSON text protocol of the preview socket.
type ControlMessage struct {
	Type  string `json:"type"`
	Media string `json:"media,omitempty"`
	Bits  int    `json:"bits,omitempty"`
	Error string `json:"error,omitempty"`
}

// PreviewOptions configures a Preview.
type PreviewOptions struct {
	// Control receives set_bitrate requests. Nil makes the socket view-only.
	Control capture.BitrateSetter
	// ClientQueue is the number of frames buffered per client before drops.
	ClientQueue int
	// AllowedOrigins limits browser origins; empty allows any.
	AllowedOrigins []string
}

// Preview streams encoded chunks to websocket viewers and accepts bitrate
// requests back. A viewer that cannot keep up loses frames rather than
// stalling the capture worker; after a video drop it resumes at the next key
// frame.
type Preview struct {
	control  capture.BitrateSetter
	queue    int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*previewClient]struct{}
	closed  bool

	dropped atomic.Uint64
}

type outbound struct {
	kind int
	data []byte
}

type previewClient struct {
	conn      *websocket.Conn
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	needKey   atomic.Bool
}

func (c *previewClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewPreview builds a Preview. Serve it with ServeHTTP and feed it with Handle.
func NewPreview(opts PreviewOptions) *Preview {
	queue := opts.ClientQueue
	if queue <= 0 {
		queue = defaultClientQueue
	}
	p := &Preview{
		control: opts.Control,
		queue:   queue,
		clients: make(map[*previewClient]struct{}),
	}
	p.upgrader = websocket.Upgrader{
		ReadBufferSize:  maxControlSize,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return p
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == origin {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the request and registers the viewer.
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("preview upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &previewClient{
		conn: conn,
		send: make(chan outbound, p.queue),
		done: make(chan struct{}),
	}
	c.needKey.Store(true)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.clients[c] = struct{}{}
	n := len(p.clients)
	p.mu.Unlock()

	log.Info("preview viewer connected", "remote", r.RemoteAddr, "viewers", n)
	go p.writePump(c)
	go p.readPump(c, r.RemoteAddr)
}

// Handle is a capture.ChunkHandler.
func (p *Preview) Handle(c capture.EncodedChunk) {
	p.mu.Lock()
	if len(p.clients) == 0 {
		p.mu.Unlock()
		return
	}
	targets := make([]*previewClient, 0, len(p.clients))
	for cl := range p.clients {
		targets = append(targets, cl)
	}
	p.mu.Unlock()

	frame := EncodeFrame(c)
	for _, cl := range targets {
		video := c.Media == capture.Video
		if video && cl.needKey.Load() {
			if !c.KeyFrame {
				continue
			}
			cl.needKey.Store(false)
		}
		select {
		case cl.send <- outbound{kind: websocket.BinaryMessage, data: frame}:
		case <-cl.done:
		default:
			p.dropped.Add(1)
			if video {
				cl.needKey.Store(true)
			}
		}
	}
}

// Viewers reports the number of connected viewers.
func (p *Preview) Viewers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Dropped reports frames dropped for slow viewers.
func (p *Preview) Dropped() uint64 {
	return p.dropped.Load()
}

// Close disconnects every viewer and refuses new ones.
func (p *Preview) Close() {
	p.mu.Lock()
	p.closed = true
	clients := p.clients
	p.clients = make(map[*previewClient]struct{})
	p.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (p *Preview) remove(c *previewClient) {
	p.mu.Lock()
	_, ok := p.clients[c]
	delete(p.clients, c)
	p.mu.Unlock()
	c.close()
	if ok {
		log.Debug("preview viewer disconnected")
	}
}

func (p *Preview) readPump(c *previewClient, remote string) {
	defer p.remove(c)

	c.conn.SetReadLimit(maxControlSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("preview read error", "remote", remote, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg ControlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			p.reply(c, ControlMessage{Type: "error", Error: "malformed control message"})
			continue
		}
		p.reply(c, p.handleControl(msg))
	}
}

func (p *Preview) handleControl(msg ControlMessage) ControlMessage {
	switch msg.Type {
	case "set_bitrate":
		if p.control == nil {
			return ControlMessage{Type: "error", Error: "bitrate control disabled"}
		}
		media, err := capture.ParseMediaType(msg.Media)
		if err != nil {
			return ControlMessage{Type: "error", Error: err.Error()}
		}
		applied, err := p.control.SetBitrate(media, msg.Bits)
		if err != nil {
			return ControlMessage{Type: "error", Media: msg.Media, Error: err.Error()}
		}
		log.Info("bitrate requested by viewer", "media", msg.Media, "requested", msg.Bits, "bitrate", applied)
		return ControlMessage{Type: "bitrate", Media: msg.Media, Bits: applied}
	case "ping":
		return ControlMessage{Type: "pong"}
	default:
		return ControlMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

// reply queues a control response. Replies are dropped like frames when the
// viewer is behind.
func (p *Preview) reply(c *previewClient, msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- outbound{kind: websocket.TextMessage, data: data}:
	case <-c.done:
	default:
		p.dropped.Add(1)
	}
}

func (p *Preview) writePump(c *previewClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				log.Debug("preview write error", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
