package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/codec"
	"github.com/castlink/cast-agent/internal/config"
	"github.com/castlink/cast-agent/internal/grant"
	"github.com/castlink/cast-agent/internal/health"
	"github.com/castlink/cast-agent/internal/logging"
	"github.com/castlink/cast-agent/internal/probe"
	"github.com/castlink/cast-agent/internal/recorder"
	"github.com/castlink/cast-agent/internal/retry"
	"github.com/castlink/cast-agent/internal/sink"
	"github.com/castlink/cast-agent/internal/source"
	"github.com/castlink/cast-agent/internal/storage"
)

var log = logging.L("main")

const (
	httpShutdownTimeout   = 5 * time.Second
	uploadShutdownTimeout = 30 * time.Second
)

// agent holds everything runAgent starts, in shutdown order.
type agent struct {
	cfg      *config.Config
	health   *health.Monitor
	ctrl     *capture.Controller
	fanout   *sink.Fanout
	preview  *sink.Preview
	pub      *sink.Publisher
	rec      *recorder.Recorder
	uploader *recorder.Uploader
	store    storage.Provider
	server   *http.Server
	codecs   map[capture.MediaType]string
}

func runAgent() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()

	log.Info("starting cast-agent", "version", version, "listen", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}

	g, err := captureGrant(&cfg.Grant)
	if err != nil {
		a.shutdown()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	started := a.startMedia(ctx, g)
	if started == 0 {
		a.shutdown()
		return errors.New("no media session could be started")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		log.Error("http server failed", logging.KeyError, err)
	}
	signal.Stop(sigChan)

	a.shutdown()
	return nil
}

// captureGrant wraps the configured token, clearing it from cfg, or issues
// a local grant when none is configured.
func captureGrant(cfg *config.GrantConfig) (*grant.Grant, error) {
	if cfg.Token != "" {
		g, err := grant.Parse(cfg.Token, cfg.TTL)
		cfg.Token = ""
		return g, err
	}
	log.Info("issuing local capture grant", "ttl", cfg.TTL)
	return grant.Issue(cfg.TTL)
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	if cfg.Codec.FFmpegPath != "" {
		codec.SetFFmpegBinary(cfg.Codec.FFmpegPath)
	}

	a := &agent{
		cfg:    cfg,
		health: health.NewMonitor(),
		fanout: sink.NewFanout(),
		codecs: make(map[capture.MediaType]string),
	}

	for _, media := range capture.MediaTypes {
		if !mediaEnabled(cfg, media) {
			continue
		}
		preferred := cfg.Video.Codec
		if media == capture.Audio {
			preferred = cfg.Audio.Codec
		}
		// Pin the codec so the WebRTC tracks and recordings match the encoder.
		name, err := codec.Resolve(media, preferred)
		if err != nil {
			return nil, err
		}
		a.codecs[media] = name
	}

	frames, err := source.Frames(source.FrameOptions{Kind: cfg.Video.Source, Display: cfg.Video.Display})
	if err != nil {
		return nil, err
	}
	samples, err := source.Samples(source.SampleOptions{Kind: cfg.Audio.Source, Device: cfg.Audio.Device, ToneHz: cfg.Audio.ToneHz})
	if err != nil {
		return nil, err
	}

	a.ctrl, err = capture.NewController(capture.Config{
		Encoders:      codec.NewRegistry(),
		FrameSources:  frames,
		SampleSources: samples,
		Sink:          a.fanout.Handle,
		OnError:       a.onPipelineError,
		Timing:        cfg.Timing(),
		VideoBitrate:  cfg.BitrateRange(capture.Video),
		AudioBitrate:  cfg.BitrateRange(capture.Audio),
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", a.health)

	if cfg.Preview.Enabled {
		opts := sink.PreviewOptions{ClientQueue: cfg.Preview.ClientQueue, AllowedOrigins: cfg.Preview.AllowedOrigins}
		if cfg.Preview.AllowControl {
			opts.Control = a.ctrl
		}
		a.preview = sink.NewPreview(opts)
		a.fanout.Add("preview", a.preview.Handle)
		mux.Handle("/preview", a.preview)
	}

	if cfg.WebRTC.Enabled {
		if err := a.setupPublisher(mux); err != nil {
			a.shutdown()
			return nil, err
		}
	}

	if cfg.Record.Enabled {
		if err := a.setupRecording(ctx); err != nil {
			a.shutdown()
			return nil, err
		}
	}

	a.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return a, nil
}

func mediaEnabled(cfg *config.Config, media capture.MediaType) bool {
	if media == capture.Video {
		return cfg.Video.Enabled
	}
	return cfg.Audio.Enabled
}

func (a *agent) setupPublisher(mux *http.ServeMux) error {
	cfg := a.cfg
	opts := sink.PublisherOptions{
		VideoCodec:     a.codecs[capture.Video],
		AudioCodec:     a.codecs[capture.Audio],
		ICEServers:     cfg.WebRTC.ICEServers,
		MaxPeers:       cfg.WebRTC.MaxPeers,
		GatherTimeout:  cfg.WebRTC.GatherTimeout,
		VideoFrameRate: cfg.Video.FrameRate,
	}
	if cfg.Adaptive.Enabled && cfg.Video.Enabled {
		adaptive, err := capture.NewAdaptiveBitrate(capture.AdaptiveConfig{
			Target:         a.ctrl,
			Media:          capture.Video,
			InitialBitrate: cfg.Video.BitrateBits,
			Range:          cfg.BitrateRange(capture.Video),
			Cooldown:       cfg.Adaptive.Cooldown,
		})
		if err != nil {
			return err
		}
		opts.Adaptive = adaptive
	}

	pub, err := sink.NewPublisher(opts)
	if errors.Is(err, sink.ErrNoTracks) {
		log.Warn("webrtc disabled: no enabled codec has an RTP mapping", "video", opts.VideoCodec, "audio", opts.AudioCodec)
		return nil
	}
	if err != nil {
		return err
	}
	a.pub = pub
	a.fanout.Add("webrtc", pub.Handle)
	mux.Handle("/webrtc/offer", pub)
	return nil
}

func (a *agent) setupRecording(ctx context.Context) error {
	cfg := a.cfg
	var onSegment func(recorder.Segment)

	if cfg.Upload.Enabled {
		store, err := storage.New(ctx, cfg.Upload.StorageConfig())
		if err != nil {
			return fmt.Errorf("upload provider: %w", err)
		}
		a.store = store

		rc := retry.DefaultConfig()
		rc.MaxRetries = cfg.Upload.MaxRetries
		a.uploader, err = recorder.NewUploader(recorder.UploaderOptions{
			Provider:          store,
			Root:              cfg.Record.Dir,
			Prefix:            cfg.Upload.Prefix,
			DeleteAfterUpload: cfg.Upload.DeleteAfterUpload,
			Workers:           cfg.Upload.Workers,
			QueueSize:         cfg.Upload.QueueSize,
			Retry:             rc,
			Health:            a.health,
		})
		if err != nil {
			return err
		}
		// Leftovers from earlier runs go first; the new recording dir does
		// not exist yet.
		if _, err := a.uploader.Sweep(cfg.Record.Dir); err != nil {
			log.Warn("sweep failed", logging.KeyError, err)
		}
		onSegment = func(seg recorder.Segment) { a.uploader.UploadSegment(seg) }
	}

	host, err := probe.Host(ctx)
	if err != nil {
		log.Warn("host info unavailable for manifests", logging.KeyError, err)
	}
	a.rec, err = recorder.New(recorder.Options{
		Dir:             cfg.Record.Dir,
		SegmentDuration: cfg.Record.SegmentDuration,
		MinFreeMB:       cfg.Record.MinFreeMB,
		Host:            host,
		OnSegment:       onSegment,
		Health:          a.health,
	})
	if err != nil {
		return err
	}
	a.fanout.Add("record", a.rec.Handle)
	return nil
}

// startMedia starts every enabled media type and returns how many started.
func (a *agent) startMedia(ctx context.Context, g *grant.Grant) int {
	started := 0
	for _, media := range capture.MediaTypes {
		if !mediaEnabled(a.cfg, media) {
			continue
		}
		sc := a.cfg.SessionConfig(media)
		sc.Codec = a.codecs[media]
		if a.rec != nil {
			a.rec.SetFormat("", sessionFormat(media, sc))
		}

		component := "capture." + media.String()
		if err := a.ctrl.Start(ctx, media, g, sc); err != nil {
			log.Error("capture start failed", logging.KeyMedia, media.String(), logging.KeyError, err)
			a.health.Update(component, health.Unhealthy, err.Error())
			continue
		}
		started++
		a.health.Update(component, health.Healthy, "")

		if info, ok := a.ctrl.Session(media); ok {
			log.Info("capture started", logging.KeySession, info.ID, logging.KeyMedia, media.String(), "format", info.Format.String())
			if a.rec != nil {
				a.rec.SetFormat(info.ID, info.Format)
			}
		}
	}
	return started
}

// sessionFormat mirrors the Format the controller derives from sc.
func sessionFormat(media capture.MediaType, sc capture.SessionConfig) capture.Format {
	f := capture.Format{Media: media, Codec: sc.Codec, BitrateBits: sc.BitrateBits, KeyFrameInterval: sc.KeyFrameInterval}
	if media == capture.Video {
		f.Video = sc.Video
	} else {
		f.Audio = sc.Audio
	}
	return f
}

func (a *agent) onPipelineError(err *capture.PipelineError) {
	component := "capture." + err.Media.String()
	if err.IsWarning() {
		log.Warn("capture warning", logging.KeyMedia, err.Media.String(), logging.KeyError, err)
		a.health.Update(component, health.Degraded, err.Error())
		return
	}
	log.Error("capture failed", logging.KeyMedia, err.Media.String(), logging.KeyError, err)
	a.health.Update(component, health.Unhealthy, err.Error())
}

// shutdown stops capture first so the sinks see every final chunk, then
// closes the sinks, the HTTP server and finally the upload queue.
func (a *agent) shutdown() {
	if a.ctrl != nil {
		if err := a.ctrl.StopAll(); err != nil {
			if capture.IsWarning(err) {
				log.Warn("capture stopped with forced teardown", logging.KeyError, err)
			} else {
				log.Error("capture stop failed", logging.KeyError, err)
			}
		}
	}
	if a.rec != nil {
		if err := a.rec.Close(); err != nil {
			log.Error("recording close failed", logging.KeyError, err)
		}
	}
	if a.preview != nil {
		a.preview.Close()
	}
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			log.Warn("webrtc close failed", logging.KeyError, err)
		}
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			log.Warn("http shutdown incomplete", logging.KeyError, err)
		}
		cancel()
	}
	if a.uploader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), uploadShutdownTimeout)
		if !a.uploader.Close(ctx) {
			log.Warn("pending uploads abandoned; they will be retried on the next start")
		}
		cancel()
		st := a.uploader.Stats()
		log.Info("upload summary", "uploaded", st.Uploaded, "failed", st.Failed, "bytes", st.Bytes)
	}
	if closer, ok := a.store.(io.Closer); ok {
		closer.Close()
	}
	log.Info("cast-agent stopped")
}
