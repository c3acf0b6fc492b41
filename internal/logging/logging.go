package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field keys shared by every component.
const (
	KeyComponent  = "component"
	KeySession    = "session"
	KeyMedia      = "media"
	KeyState      = "state"
	KeyBitrate    = "bitrate"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init pick up
// the configured handler once Init runs.
type switchableHandler struct {
	current *atomic.Value // slog.Handler
	attrs   []slog.Attr
	groups  []string
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	v := &atomic.Value{}
	v.Store(h)
	return &switchableHandler{current: v}
}

func (h *switchableHandler) swap(handler slog.Handler) {
	h.current.Store(handler)
}

func (h *switchableHandler) resolve() slog.Handler {
	handler := h.current.Load().(slog.Handler)
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &switchableHandler{current: h.current}
	child.attrs = append(append(child.attrs, h.attrs...), attrs...)
	child.groups = append(child.groups, h.groups...)
	return child
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	child := &switchableHandler{current: h.current}
	child.attrs = append(child.attrs, h.attrs...)
	child.groups = append(append(child.groups, h.groups...), name)
	return child
}

var (
	level         = new(slog.LevelVar)
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init installs the process-wide handler.
// format is "json" or "text", level is debug|info|warn|error, output nil means stderr.
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	level.Set(parseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.swap(handler)
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the minimum level without replacing the handler.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying capture session correlation fields.
func WithSession(logger *slog.Logger, sessionID, media string) *slog.Logger {
	return logger.With(
		slog.String(KeySession, sessionID),
		slog.String(KeyMedia, media),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
