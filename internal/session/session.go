// Package session runs the turn-taking state machine of one device
// connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/audio"
	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/history"
	"github.com/lexiqai/voice-server/internal/llm"
	"github.com/lexiqai/voice-server/internal/observability"
	"github.com/lexiqai/voice-server/internal/tts"
)

// Conn is the device connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Transcriber is the transcription port
type Transcriber interface {
	Transcribe(ctx context.Context, u *audio.Utterance) (string, error)
	Name() string
}

// Speaker is the synthesis port. *tts.Pipeline satisfies it.
type Speaker interface {
	Run(ctx context.Context, src tts.TextSource) *tts.AudioStream
	Speak(ctx context.Context, text string) *tts.AudioStream
}

// TransportError is a connection failure. It always ends the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// errStaleRun is returned by writes of a run that has been superseded
var errStaleRun = errors.New("run superseded")

// Deps are the ports a session talks to
type Deps struct {
	Transcriber Transcriber
	Generator   llm.Generator
	Speaker     Speaker
	History     history.Store
	Profile     *config.Profile
}

// Options tune a session
type Options struct {
	// Format is the server-side audio format, used until the device says hello
	Format         audio.Format
	VAD            audio.VADConfig
	MaxCodecErrors int
	// MaxIdle ends a session that stays silent this long. Zero disables it.
	MaxIdle      time.Duration
	Prebuffer    int
	WriteTimeout time.Duration

	// DisableTools skips the MCP handshake with devices that offer tools
	DisableTools bool
	ToolTimeout  time.Duration
	// MaxToolSteps bounds the tool rounds of one reply
	MaxToolSteps int

	// OnStateChange is called with the session lock held and must not call
	// back into the session
	OnStateChange func(from, to State)
}

// OptionsFromConfig reads the session settings
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	enc, err := audio.ParseEncoding(cfg.AudioFormat)
	if err != nil {
		return Options{}, err
	}
	format := audio.Format{
		Encoding:      enc,
		SampleRate:    cfg.AudioSampleRate,
		Channels:      1,
		FrameDuration: cfg.FrameDuration(),
	}
	if err := format.Validate(); err != nil {
		return Options{}, err
	}
	return Options{
		Format: format,
		VAD: audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceDuration: cfg.SilenceThreshold(),
			FrameDuration:   format.FrameDuration,
			StartFrames:     cfg.VADStartFrames,
		},
		MaxCodecErrors: cfg.CodecMaxErrors,
		MaxIdle:        cfg.MaxIdle(),
		Prebuffer:      cfg.OutboundPrebuffer,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		DisableTools:   !cfg.MCPEnabled,
		ToolTimeout:    cfg.ToolTimeout(),
		MaxToolSteps:   cfg.MCPMaxToolSteps,
	}, nil
}

// Session owns one device connection. The reader loop decodes audio and runs
// VAD; each utterance is handled by a pipeline run in its own goroutine, and
// at most one run is in flight.
type Session struct {
	id       string
	deviceID string
	conn     Conn
	deps     Deps
	opts     Options
	logger   zerolog.Logger
	metrics  *observability.Metrics

	ctx  context.Context
	stop context.CancelFunc

	// reader loop only
	decoder     *audio.Decoder
	vad         *audio.VADDetector
	utterance   *audio.Utterance
	preroll     []*audio.Frame
	codecErrors int
	manual      bool

	mcp *mcpClient

	lastActivity atomic.Int64

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	run       uint64
	cancelRun context.CancelFunc
	runDone   chan struct{}
	outFormat audio.Format
	standby   bool

	closeOnce sync.Once
}

// New creates a session for conn. Serve must be called to run it.
func New(conn Conn, deviceID string, deps Deps, opts Options, logger zerolog.Logger) (*Session, error) {
	if opts.Format.Encoding == "" {
		opts.Format = audio.DefaultFormat()
	}
	if opts.VAD.SilenceDuration == 0 {
		opts.VAD = *audio.DefaultVADConfig()
	}
	if opts.MaxCodecErrors <= 0 {
		opts.MaxCodecErrors = 10
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 10 * time.Second
	}
	if opts.MaxToolSteps <= 0 {
		opts.MaxToolSteps = 5
	}
	if deps.Profile == nil {
		deps.Profile = config.DefaultProfile()
	}

	codec, err := audio.NewCodec(opts.Format)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	vadCfg := opts.VAD
	s := &Session{
		id:        id,
		deviceID:  deviceID,
		conn:      conn,
		deps:      deps,
		opts:      opts,
		logger:    logger.With().Str("session_id", id).Str("device_id", deviceID).Logger(),
		metrics:   observability.NewSessionMetrics(id),
		decoder:   audio.NewDecoder(codec, pipelineFrameSamples(opts.Format)),
		vad:       audio.NewVADDetector(&vadCfg),
		state:     StateIdle,
		outFormat: opts.Format,
	}
	s.mcp = newMCPClient(func(run uint64, payload json.RawMessage) error {
		return s.send(run, ServerMessage{Type: TypeMCP, Payload: payload})
	}, s.logger)
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.touch()
	s.metrics.RecordSessionStart()
	return s, nil
}

func pipelineFrameSamples(f audio.Format) int {
	return int(int64(audio.PipelineSampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

func (s *Session) ID() string { return s.id }

func (s *Session) DeviceID() string { return s.deviceID }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve runs the reader loop until the connection ends. It returns nil when
// the session was closed on purpose and a *TransportError or codec failure
// otherwise.
func (s *Session) Serve(ctx context.Context) error {
	defer s.wait()
	defer s.Close()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.ctx.Done():
		}
	}()
	if s.opts.MaxIdle > 0 {
		go s.watchIdle()
	}

	s.logger.Info().Msg("Session started")
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}

		switch mt {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			if err := s.handleAudio(data); err != nil {
				s.logger.Error().Err(err).Msg("Closing session after repeated codec errors")
				return err
			}
		}
	}
}

// Close ends the session from any state
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.run++
		cancel := s.cancelRun
		s.setStateLocked(StateClosed)
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.stop()
		s.conn.Close()
		s.metrics.RecordSessionEnd()
		s.logger.Info().Msg("Session closed")
	})
}

// wait blocks until the last pipeline run has exited
func (s *Session) wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// setStateLocked moves to the given state. Caller holds s.mu.
func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.logger.Warn().Stringer("from", from).Stringer("to", to).Msg("Illegal state transition")
		return
	}
	s.state = to
	s.metrics.RecordTransition(to.String())
	s.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("State transition")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}

// advance moves run's state when run is still the current one
func (s *Session) advance(run uint64, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run || s.state == StateClosed {
		return false
	}
	s.setStateLocked(to)
	return s.state == to
}

func (s *Session) current(run uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run == run && s.state != StateClosed
}

// listen moves an idle session to Listening
func (s *Session) listen() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.setStateLocked(StateListening)
	}
	s.mu.Unlock()
}

// write sends one message. run 0 is session-level traffic; any other run is
// dropped once superseded, so audio of a cancelled run never follows the
// stop that cancelled it.
func (s *Session) write(run uint64, mt int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if run != 0 && !s.current(run) {
		return errStaleRun
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := s.conn.WriteMessage(mt, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if mt == websocket.BinaryMessage {
		s.metrics.RecordAudioBytes("out", int64(len(data)))
	}
	return nil
}

func (s *Session) send(run uint64, msg ServerMessage) error {
	msg.SessionID = s.id
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return s.write(run, websocket.TextMessage, data)
}

// notify sends session-level control traffic; failures only get logged
// because the reader loop will see the broken connection.
func (s *Session) notify(msg ServerMessage) {
	if err := s.send(0, msg); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send control message")
	}
}

func (s *Session) handleControl(data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring control message")
		return
	}
	s.touch()

	switch msg.Type {
	case TypeHello:
		s.handleHello(msg)
	case TypeListen:
		s.handleListen(msg)
	case TypeAbort:
		s.logger.Info().Str("reason", msg.Reason).Msg("Device aborted playback")
		s.interrupt("abort")
		s.resetCapture()
	case TypeMCP:
		s.mcp.handle(msg.Payload)
	case TypeIoT:
		s.logger.Debug().Str("type", msg.Type).Msg("Ignoring device capability message")
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown control message")
	}
}

func (s *Session) handleHello(msg *ClientMessage) {
	format, err := msg.AudioParams.AudioFormat(s.opts.Format)
	if err == nil {
		var codec audio.Codec
		if codec, err = audio.NewCodec(format); err == nil {
			s.decoder = audio.NewDecoder(codec, pipelineFrameSamples(format))
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Unsupported device audio format, keeping server default")
		format = s.opts.Format
	}

	s.mu.Lock()
	s.outFormat = audio.Format{
		Encoding:      format.Encoding,
		SampleRate:    format.SampleRate,
		Channels:      1,
		FrameDuration: format.FrameDuration,
	}
	out := s.outFormat
	s.mu.Unlock()

	s.listen()
	s.notify(ServerMessage{Type: TypeHello, Transport: "websocket", AudioParams: paramsFor(out)})
	s.logger.Info().
		Str("format", string(format.Encoding)).
		Int("sample_rate", format.SampleRate).
		Dur("frame", format.FrameDuration).
		Msg("Device hello")

	if msg.Features != nil && msg.Features.MCP && !s.opts.DisableTools {
		s.mcp.start()
	}
}

func (s *Session) handleListen(msg *ClientMessage) {
	switch msg.State {
	case "start":
		s.listen()
		s.manual = msg.Mode == "manual"
		s.decoder.Reset()
		s.resetCapture()
	case "stop":
		if s.manual {
			s.manual = false
			s.endUtterance()
		}
	case "detect":
		s.listen()
		if msg.Text != "" {
			s.startText(msg.Text)
		}
	}
}

func (s *Session) handleAudio(payload []byte) error {
	s.listen()

	frames, err := s.decoder.Decode(payload)
	if err != nil {
		s.codecErrors++
		s.metrics.RecordError("codec", "audio")
		s.logger.Debug().Err(err).Int("consecutive", s.codecErrors).Msg("Dropping undecodable frame")
		if s.codecErrors >= s.opts.MaxCodecErrors {
			return fmt.Errorf("%d consecutive codec errors: %w", s.codecErrors, err)
		}
		return nil
	}
	s.codecErrors = 0
	s.metrics.RecordAudioBytes("in", int64(len(payload)))

	for _, f := range frames {
		s.processFrame(f)
	}
	return nil
}

// resetCapture drops any partly captured utterance and restarts detection.
// In manual mode a fresh utterance is opened right away.
func (s *Session) resetCapture() {
	s.vad.Reset()
	s.preroll = s.preroll[:0]
	s.utterance = nil
	if s.manual {
		s.utterance = audio.NewUtterance(audio.PipelineSampleRate)
	}
}

func (s *Session) processFrame(f *audio.Frame) {
	res := s.vad.Process(f)
	if res.Speech {
		s.touch()
	}

	switch res.Event {
	case audio.VADSpeechStart:
		s.interrupt("speech")
		if s.utterance == nil {
			s.utterance = audio.NewUtterance(audio.PipelineSampleRate)
			for _, p := range s.preroll {
				s.utterance.Append(p)
			}
		}
		s.preroll = s.preroll[:0]
	}

	if s.utterance != nil {
		s.utterance.Append(f)
	} else {
		s.hold(f, res.Speech)
	}

	if res.Event == audio.VADSpeechEnd && !s.manual {
		s.endUtterance()
	}
}

// hold keeps the speech frames that precede a confirmed speech start, so
// the start of the utterance is not lost to the start hysteresis
func (s *Session) hold(f *audio.Frame, speech bool) {
	if !speech {
		s.preroll = s.preroll[:0]
		return
	}
	keep := max(s.opts.VAD.StartFrames, 1) - 1
	if keep == 0 {
		return
	}
	if len(s.preroll) == keep {
		copy(s.preroll, s.preroll[1:])
		s.preroll = s.preroll[:keep-1]
	}
	s.preroll = append(s.preroll, f)
}

func (s *Session) endUtterance() {
	u := s.utterance
	s.utterance = nil
	if u == nil || u.Len() == 0 {
		return
	}
	s.logger.Debug().Dur("duration", u.Duration()).Msg("Utterance complete")
	s.start(StateTranscribing, func(ctx context.Context, run uint64) {
		s.runUtterance(ctx, run, u)
	})
}

func (s *Session) startText(text string) {
	s.start(StateGenerating, func(ctx context.Context, run uint64) {
		s.runReply(ctx, run, text)
	})
}

// interrupt cancels the run in flight and returns to Listening
func (s *Session) interrupt(reason string) {
	s.mu.Lock()
	if !s.state.Busy() {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.run++
	cancel := s.cancelRun
	s.standby = false
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.metrics.RecordBargeIn()
	s.logger.Info().Str("reason", reason).Stringer("state", from).Msg("Run interrupted")
	s.notify(ServerMessage{Type: TypeTTS, State: TTSStop})
}

// start launches a pipeline run from Listening. The run waits for its
// cancelled predecessor to exit, so port calls of two runs never overlap.
func (s *Session) start(first State, fn func(ctx context.Context, run uint64)) bool {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		s.logger.Debug().Stringer("state", first).Msg("Run already in flight, ignoring")
		return false
	}
	s.run++
	run := s.run
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelRun = cancel
	prev := s.runDone
	done := make(chan struct{})
	s.runDone = done
	s.setStateLocked(first)
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if ctx.Err() == nil {
			fn(ctx, run)
		}
	}()
	return true
}

func (s *Session) runUtterance(ctx context.Context, run uint64, u *audio.Utterance) {
	s.metrics.RecordStageStart(observability.StageTranscribe)
	text, err := s.deps.Transcriber.Transcribe(ctx, u)
	if err != nil {
		s.fail(ctx, run, observability.StageTranscribe, err)
		return
	}
	s.metrics.RecordStageEnd(observability.StageTranscribe, "success")

	if err := s.send(run, ServerMessage{Type: TypeSTT, Text: text}); err != nil {
		s.abort(run, err)
		return
	}
	if !s.advance(run, StateGenerating) {
		return
	}
	s.runReply(ctx, run, text)
}

// runReply generates, speaks and records the reply to userText
func (s *Session) runReply(ctx context.Context, run uint64, userText string) {
	turns, err := s.deps.History.Load(ctx, s.deviceID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load history, continuing without it")
	}

	s.metrics.RecordStageStart(observability.StageGenerate)
	speakCtx, stopSpeaking := context.WithCancel(ctx)
	defer stopSpeaking()

	var tools []llm.Tool
	if !s.opts.DisableTools {
		tools = s.mcp.Tools()
	}
	stream, err := startToolLoop(speakCtx, s.deps.Generator, turns, userText, tools, s.opts.MaxToolSteps,
		func(ctx context.Context, c llm.ToolCall) llm.ToolResult {
			return s.callTool(ctx, run, c)
		})
	if err != nil {
		s.fail(ctx, run, observability.StageGenerate, err)
		return
	}
	defer stream.Close()

	userTurn := history.NewTurn(history.RoleUser, userText)
	var staged bool
	shaper := newReplyShaper(stream, s.deps.Profile, func(emotion, emoji string) {
		// the user turn is only kept once the model has started answering
		staged = s.commit(ctx, run, userTurn)
		s.send(run, ServerMessage{Type: TypeLLM, Emotion: emotion, Text: emoji})
	})

	s.metrics.RecordStageStart(observability.StageSynthesize)
	played, err := s.play(ctx, run, s.deps.Speaker.Run(speakCtx, shaper), stopSpeaking)
	if err != nil {
		s.fail(ctx, run, stageOf(err), err)
		return
	}
	if !staged {
		s.fail(ctx, run, observability.StageGenerate, &llm.GenerationError{
			Provider: s.deps.Generator.Name(),
			Err:      llm.ErrEmptyReply,
		})
		return
	}
	s.metrics.RecordStageEnd(observability.StageGenerate, "success")
	s.metrics.RecordStageEnd(observability.StageSynthesize, "success")

	reply := shaper.Spoken()
	if !s.finish(ctx, run, reply, played) {
		return
	}
	if shaper.Sleep() {
		s.logger.Info().Msg("Reply asked to sleep, closing session")
		s.Close()
	}
}

// callTool runs one model tool call on the device. Failures go back to the
// model as the call output.
func (s *Session) callTool(ctx context.Context, run uint64, c llm.ToolCall) llm.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ToolTimeout)
	defer cancel()

	out, err := s.mcp.call(ctx, run, c)
	if err != nil {
		s.logger.Warn().Err(err).Str("tool", c.Name).Msg("Tool call failed")
		s.metrics.RecordError("tool", observability.StageGenerate)
		out = "Error: " + err.Error()
	} else {
		s.logger.Debug().Str("tool", c.Name).Msg("Tool call done")
	}
	return llm.ToolResult{CallID: c.ID, Name: c.Name, Output: out}
}

// commit appends turn while run is current
func (s *Session) commit(ctx context.Context, run uint64, turn history.Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run || s.state == StateClosed {
		return false
	}
	if err := s.deps.History.Append(ctx, s.deviceID, turn); err != nil {
		s.logger.Error().Err(err).Str("role", string(turn.Role)).Msg("Failed to append turn")
		return false
	}
	return true
}

// finish records the assistant turn and returns to Listening in one step, so
// an interruption either precedes both or neither
func (s *Session) finish(ctx context.Context, run uint64, reply string, played bool) bool {
	s.mu.Lock()
	if s.run != run || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	if reply != "" {
		turn := history.NewTurn(history.RoleAssistant, reply)
		if err := s.deps.History.Append(ctx, s.deviceID, turn); err != nil {
			s.logger.Error().Err(err).Msg("Failed to append assistant turn")
		}
	}
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	s.touch()
	if played {
		s.notify(ServerMessage{Type: TypeTTS, State: TTSStop})
	}
	return true
}

// fail ends run after a port failure. Cancelled runs end silently.
func (s *Session) fail(ctx context.Context, run uint64, stage string, err error) {
	if ctx.Err() != nil || errors.Is(err, errStaleRun) {
		return
	}
	var te *TransportError
	if errors.As(err, &te) {
		s.abort(run, err)
		return
	}

	s.mu.Lock()
	if s.run != run || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasSpeaking := s.state == StateSynthesizing
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	s.touch()
	s.metrics.RecordStageEnd(stage, "error")
	s.metrics.RecordError(errorKind(err), stage)
	s.logger.Warn().Err(err).Str("stage", stage).Msg("Pipeline run failed")

	if wasSpeaking {
		s.notify(ServerMessage{Type: TypeTTS, State: TTSStop})
	}
	s.notify(ServerMessage{Type: TypeAlert, Status: "error", Message: alertText(stage)})
}

// abort closes the session after a transport failure inside a run
func (s *Session) abort(run uint64, err error) {
	if errors.Is(err, errStaleRun) || !s.current(run) {
		return
	}
	s.logger.Error().Err(err).Msg("Transport failed during run")
	s.metrics.RecordError("transport", "session")
	s.Close()
}

func stageOf(err error) string {
	var ge *llm.GenerationError
	if errors.As(err, &ge) {
		return observability.StageGenerate
	}
	return observability.StageSynthesize
}

func errorKind(err error) string {
	var (
		ge *llm.GenerationError
		se *tts.SynthesisError
	)
	switch {
	case errors.As(err, &ge):
		if ge.Transient {
			return "generation_transient"
		}
		return "generation"
	case errors.As(err, &se):
		return "synthesis"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "transcription"
}

func alertText(stage string) string {
	switch stage {
	case observability.StageTranscribe:
		return "Sorry, I didn't catch that."
	case observability.StageGenerate:
		return "Sorry, I can't answer right now."
	}
	return "Sorry, I can't speak right now."
}
