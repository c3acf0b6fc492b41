package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/codec"
)

const (
	defaultGatherTimeout = 20 * time.Second
	defaultMaxPeers      = 4
	maxOfferSize         = 64 * 1024
	keyRequestLogEvery   = 5 * time.Second
	playoutDelayURI      = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"
)

var (
	// ErrTooManyPeers is returned when MaxPeers viewers are already attached.
	ErrTooManyPeers = errors.New("sink: too many webrtc peers")
	// ErrNoTracks means neither configured codec has an RTP mapping.
	ErrNoTracks = errors.New("sink: no codec with an rtp mapping")
	errClosed   = errors.New("sink: publisher closed")
)

// ICEServer is one STUN or TURN server handed to every peer connection.
type ICEServer struct {
	URLs       []string `yaml:"urls" mapstructure:"urls"`
	Username   string   `yaml:"username" mapstructure:"username"`
	Credential string   `yaml:"credential" mapstructure:"credential"`
}

func toICEServers(in []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	VideoCodec string
	AudioCodec string
	// ICEServers are used verbatim; nil gathers host candidates only.
	ICEServers []ICEServer
	// Adaptive receives loss and RTT from video receiver reports. Optional.
	Adaptive      *capture.AdaptiveBitrate
	MaxPeers      int
	GatherTimeout time.Duration
	// VideoFrameRate sets the duration of the first video sample.
	VideoFrameRate int
}

// Publisher sends encoded chunks to WebRTC viewers. All peers share one
// sample track per media; viewers negotiate through ServeHTTP.
type Publisher struct {
	api           *webrtc.API
	config        webrtc.Configuration
	adaptive      *capture.AdaptiveBitrate
	maxPeers      int
	gatherTimeout time.Duration

	tracks   [2]*webrtc.TrackLocalStaticSample
	defaults [2]time.Duration
	// lastPTS is indexed by media and only touched by that media's worker.
	lastPTS [2]int64
	havePTS [2]bool

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool

	keyReqMu   sync.Mutex
	lastKeyLog time.Time
	keyReqs    int
}

// NewPublisher builds the shared tracks for the codecs that have an RTP
// mapping. A codec without one (mjpeg) simply gets no track.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.Warn("playout-delay extension unavailable", "error", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	fps := opts.VideoFrameRate
	if fps <= 0 {
		fps = capture.DefaultFrameRate
	}
	p := &Publisher{
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		config:        webrtc.Configuration{ICEServers: toICEServers(opts.ICEServers)},
		adaptive:      opts.Adaptive,
		maxPeers:      opts.MaxPeers,
		gatherTimeout: opts.GatherTimeout,
		defaults:      [2]time.Duration{time.Second / time.Duration(fps), 20 * time.Millisecond},
		peers:         make(map[string]*webrtc.PeerConnection),
	}
	if p.maxPeers <= 0 {
		p.maxPeers = defaultMaxPeers
	}
	if p.gatherTimeout <= 0 {
		p.gatherTimeout = defaultGatherTimeout
	}

	for _, media := range capture.MediaTypes {
		name := opts.VideoCodec
		if media == capture.Audio {
			name = opts.AudioCodec
		}
		capability, ok := trackCapability(codec.MimeType(name))
		if !ok {
			if name != "" {
				log.Info("codec has no rtp mapping, track skipped", "codec", name, "media", media.String())
			}
			continue
		}
		track, err := webrtc.NewTrackLocalStaticSample(capability, media.String(), "cast-agent")
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", media, err)
		}
		p.tracks[media] = track
	}
	if p.tracks[capture.Video] == nil && p.tracks[capture.Audio] == nil {
		return nil, ErrNoTracks
	}
	return p, nil
}

func trackCapability(mimeType string) (webrtc.RTPCodecCapability, bool) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, true
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, true
	case strings.EqualFold(mimeType, webrtc.MimeTypePCMU):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}, true
	}
	return webrtc.RTPCodecCapability{}, false
}

// HasTrack reports whether media is published.
func (p *Publisher) HasTrack(media capture.MediaType) bool {
	return int(media) < len(p.tracks) && p.tracks[media] != nil
}

// Handle is a capture.ChunkHandler.
func (p *Publisher) Handle(c capture.EncodedChunk) {
	if !p.HasTrack(c.Media) {
		return
	}
	if len(c.Payload) == 0 {
		return
	}
	d := p.sampleDuration(c.Media, c.PTSMicros)
	if err := p.tracks[c.Media].WriteSample(media.Sample{Data: c.Payload, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Debug("write sample failed", "media", c.Media.String(), "error", err)
	}
}

func (p *Publisher) sampleDuration(m capture.MediaType, pts int64) time.Duration {
	d := p.defaults[m]
	if p.havePTS[m] {
		if delta := pts - p.lastPTS[m]; delta > 0 {
			d = time.Duration(delta) * time.Microsecond
		}
	}
	p.lastPTS[m] = pts
	p.havePTS[m] = true
	return d
}

// Peers reports the number of attached peer connections.
func (p *Publisher) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Answer negotiates a new viewer from its SDP offer and returns the peer id
// and the SDP answer with all ICE candidates gathered.
func (p *Publisher) Answer(ctx context.Context, offer string) (id, answer string, err error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return "", "", errClosed
	case len(p.peers) >= p.maxPeers:
		p.mu.Unlock()
		return "", "", ErrTooManyPeers
	}
	p.mu.Unlock()

	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return "", "", fmt.Errorf("create peer connection: %w", err)
	}
	id = uuid.NewString()
	defer func() {
		if err != nil {
			p.drop(id, pc)
		}
	}()

	for _, m := range capture.MediaTypes {
		track := p.tracks[m]
		if track == nil {
			continue
		}
		sender, addErr := pc.AddTrack(track)
		if addErr != nil {
			return "", "", fmt.Errorf("add %s track: %w", m, addErr)
		}
		go p.readRTCP(id, m, sender)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("webrtc peer state", "peer", id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.drop(id, pc)
		}
	})

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", "", fmt.Errorf("set remote description: %w", err)
	}
	local, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(local); err != nil {
		return "", "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		err = fmt.Errorf("ICE gathering timed out after %s", p.gatherTimeout)
		return "", "", err
	case <-ctx.Done():
		err = ctx.Err()
		return "", "", err
	}

	ld := pc.LocalDescription()
	if ld == nil {
		err = errors.New("local description not available")
		return "", "", err
	}

	p.mu.Lock()
	if p.closed || len(p.peers) >= p.maxPeers {
		closed := p.closed
		p.mu.Unlock()
		if closed {
			err = errClosed
		} else {
			err = ErrTooManyPeers
		}
		return "", "", err
	}
	p.peers[id] = pc
	n := len(p.peers)
	p.mu.Unlock()

	log.Info("webrtc peer attached", "peer", id, "peers", n)
	return id, ld.SDP, nil
}

// Disconnect closes one peer. Unknown ids are ignored.
func (p *Publisher) Disconnect(id string) {
	p.mu.Lock()
	pc := p.peers[id]
	p.mu.Unlock()
	if pc != nil {
		p.drop(id, pc)
	}
}

func (p *Publisher) drop(id string, pc *webrtc.PeerConnection) {
	p.mu.Lock()
	_, ok := p.peers[id]
	delete(p.peers, id)
	p.mu.Unlock()
	if err := pc.Close(); err != nil {
		log.Debug("peer close", "peer", id, "error", err)
	}
	if ok {
		log.Info("webrtc peer detached", "peer", id)
	}
}

// Close disconnects every peer and refuses new offers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	peers := p.peers
	p.peers = make(map[string]*webrtc.PeerConnection)
	p.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) readRTCP(id string, m capture.MediaType, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt := pkt.(type) {
			case *rtcp.ReceiverReport:
				if m == capture.Video {
					p.onReceiverReport(pkt, time.Now())
				}
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.noteKeyRequest(id)
			}
		}
	}
}

// onReceiverReport feeds each reception block's loss and RTT to the
// adaptive loop.
func (p *Publisher) onReceiverReport(rr *rtcp.ReceiverReport, now time.Time) {
	if p.adaptive == nil {
		return
	}
	for _, r := range rr.Reports {
		p.adaptive.Update(roundTrip(r, now), float64(r.FractionLost)/256)
	}
}

// noteKeyRequest logs viewer key frame requests at most every few seconds.
// Key frames follow the encoder's fixed interval; there is no on-demand path.
func (p *Publisher) noteKeyRequest(id string) {
	p.keyReqMu.Lock()
	defer p.keyReqMu.Unlock()
	p.keyReqs++
	if time.Since(p.lastKeyLog) < keyRequestLogEvery {
		return
	}
	log.Debug("viewer requested key frame", "peer", id, "requests", p.keyReqs)
	p.lastKeyLog = time.Now()
	p.keyReqs = 0
}

const ntpEpochOffset = 2208988800

// ntpShort returns the middle 32 bits of the NTP timestamp for t, the unit
// receiver reports use for LSR and DLSR (1/65536 s).
func ntpShort(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(secs<<16) | uint32(frac>>16)
}

// roundTrip derives RTT from a reception report. Zero when the receiver has
// not seen a sender report yet.
func roundTrip(r rtcp.ReceptionReport, now time.Time) time.Duration {
	if r.LastSenderReport == 0 {
		return 0
	}
	d := ntpShort(now) - r.LastSenderReport - r.Delay
	if int32(d) <= 0 {
		return 0
	}
	return time.Duration(uint64(d) * uint64(time.Second) >> 16)
}

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	ID   string `json:"id,omitempty"`
}

// ServeHTTP accepts POST with an SDP offer, either raw (application/sdp) or
// as JSON {"type":"offer","sdp":...}, and replies in the same form. DELETE
// with ?id= detaches a peer.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		p.Disconnect(r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxOfferSize {
		http.Error(w, "offer too large", http.StatusRequestEntityTooLarge)
		return
	}

	ctype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	asJSON := ctype == "application/json"
	offer := string(body)
	if asJSON {
		var desc sessionDescription
		if err := json.Unmarshal(body, &desc); err != nil || desc.Type != "offer" {
			http.Error(w, "expected {\"type\":\"offer\",\"sdp\":...}", http.StatusBadRequest)
			return
		}
		offer = desc.SDP
	}
	if strings.TrimSpace(offer) == "" {
		http.Error(w, "empty offer", http.StatusBadRequest)
		return
	}

	id, answer, err := p.Answer(r.Context(), offer)
	switch {
	case errors.Is(err, ErrTooManyPeers), errors.Is(err, errClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		log.Warn("webrtc negotiation failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if asJSON {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessionDescription{Type: "answer", SDP: answer, ID: id})
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("X-Peer-Id", id)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}
