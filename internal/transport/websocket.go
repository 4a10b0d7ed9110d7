// Package transport accepts device WebSocket connections and hands them to
// the session registry.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/registry"
)

// Path is where devices connect
const Path = "/xiaozhi/v1/"

// Options tune the WebSocket endpoint
type Options struct {
	BufferSize   int   // read and write buffer size in bytes
	MaxMessage   int64 // largest accepted inbound message
	CloseTimeout time.Duration
}

// DefaultOptions returns the endpoint defaults
func DefaultOptions() Options {
	return Options{
		BufferSize:   4096,
		MaxMessage:   64 << 10,
		CloseTimeout: time.Second,
	}
}

// OptionsFromConfig reads the endpoint settings. AUDIO_BUFFER_SIZE sizes
// both WebSocket buffers.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.AudioBufferSize > 0 {
		opts.BufferSize = cfg.AudioBufferSize
	}
	return opts
}

// DeviceID returns the device identity of a connection request: the
// Device-Id header, x-device-id, or the device_id query parameter
func DeviceID(r *http.Request) string {
	for _, v := range []string{
		r.Header.Get("Device-Id"),
		r.Header.Get("X-Device-Id"),
		r.URL.Query().Get("device_id"),
	} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ClientID returns the Client-Id header or the client_id query parameter
func ClientID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Client-Id")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("client_id"))
}

// HandleDeviceWS upgrades device connections and serves each one as a session
// until it disconnects
func HandleDeviceWS(ctx context.Context, reg *registry.Registry, opts Options, logger zerolog.Logger) http.HandlerFunc {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultOptions().CloseTimeout
	}
	upgrader := websocket.Upgrader{
		// devices are not browsers and send no Origin
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  opts.BufferSize,
		WriteBufferSize: opts.BufferSize,
	}
	logger = logger.With().Str("component", "transport").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := DeviceID(r)
		if deviceID == "" {
			// no identity means no history across reconnects
			deviceID = "anonymous-" + uuid.NewString()
		}
		log := logger.With().
			Str("device_id", deviceID).
			Str("client_id", ClientID(r)).
			Str("remote", r.RemoteAddr).
			Logger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			log.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()
		if opts.MaxMessage > 0 {
			conn.SetReadLimit(opts.MaxMessage)
		}

		log.Info().Msg("Device connected")
		err = reg.Serve(ctx, conn, deviceID)
		switch {
		case errors.Is(err, registry.ErrRegistryFull), errors.Is(err, registry.ErrShuttingDown):
			log.Warn().Err(err).Msg("Rejecting device")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
				time.Now().Add(opts.CloseTimeout))
		case err != nil && !isClosure(err):
			log.Warn().Err(err).Msg("Device session ended with error")
		default:
			log.Info().Msg("Device disconnected")
		}
	}
}

// isClosure reports whether err is the peer hanging up
func isClosure(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}
