package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/streamhook/media-processor/internal/analyzer"
	"github.com/streamhook/media-processor/internal/consumer"
	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/internal/media"
	"github.com/streamhook/media-processor/internal/metrics"
	"github.com/streamhook/media-processor/internal/processor"
	"github.com/streamhook/media-processor/internal/signaling"
	"github.com/streamhook/media-processor/pkg/types"
)

const setupTimeout = 30 * time.Second

// Signaler is the slice of the signaling client the hook needs
type Signaler interface {
	On(event string, h signaling.Handler)
	OnDisconnect(f func())
	Connect(ctx context.Context) error
	Call(ctx context.Context, event string, params any, out any) error
	Emit(event string, payload any) error
}

// streamState is the registry entry for one stream. It exists iff the
// stream has at least one active producer.
type streamState struct {
	id        string
	producers map[string]types.Producer
	startTime time.Time

	// Control flags, defaults inherited from the global config.
	autoDetect        bool
	snapshotRequested bool

	consumers map[string]*consumer.Consumer
	processor *processor.Processor
}

// Hook owns all per-stream state: it reacts to producer arrival/departure,
// provisions consumer+analyzer pairs, routes frames and analysis results,
// and serves the chat command surface.
type Hook struct {
	cfg        types.Config
	sig        Signaler
	metrics    *metrics.Metrics
	vision     analyzer.VisionClient // nil disables analysis
	decoder    media.Decoder
	contextDoc string

	mu      sync.Mutex
	streams map[string]*streamState
	closed  bool
}

// New creates the hook and registers its signaling event handlers
func New(cfg types.Config, sig Signaler, m *metrics.Metrics, vision analyzer.VisionClient, decoder media.Decoder, contextDoc string) *Hook {
	h := &Hook{
		cfg:        cfg,
		sig:        sig,
		metrics:    m,
		vision:     vision,
		decoder:    decoder,
		contextDoc: contextDoc,
		streams:    make(map[string]*streamState),
	}

	sig.On("newProducer", func(data json.RawMessage) {
		var ev signaling.NewProducerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("Hook", "Malformed newProducer event: %v", err)
			return
		}
		if ev.ProducerID == "" || ev.StreamID == "" {
			return
		}
		logger.Info("Hook", "New producer detected: %s (%s) for stream %s", ev.ProducerID, ev.Kind, ev.StreamID)
		h.OnProducerAdded(ev.StreamID, ev.ProducerID, ev.Kind)
	})

	sig.On("producerClosed", func(data json.RawMessage) {
		var ev signaling.ProducerClosedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("Hook", "Malformed producerClosed event: %v", err)
			return
		}
		if ev.ProducerID == "" || ev.StreamID == "" {
			return
		}
		logger.Info("Hook", "Producer %s for stream %s closed", ev.ProducerID, ev.StreamID)
		h.OnProducerRemoved(ev.StreamID, ev.ProducerID)
	})

	sig.On("chatMessage", func(data json.RawMessage) {
		var ev signaling.ChatMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("Hook", "Malformed chatMessage event: %v", err)
			return
		}
		if ev.StreamID == "" {
			return
		}
		h.handleChatMessage(ev.StreamID, ev.Message)
	})

	sig.OnDisconnect(func() {
		logger.Info("Hook", "Disconnected from server")
		h.cleanupAll()
	})

	return h
}

// Start connects to the coordination server and bootstraps all existing
// producers.
func (h *Hook) Start(ctx context.Context) error {
	if err := h.sig.Connect(ctx); err != nil {
		return err
	}
	return h.bootstrap(ctx)
}

// bootstrap enumerates current producers and processes them like
// individual arrivals.
func (h *Hook) bootstrap(ctx context.Context) error {
	var producers []types.Producer
	if err := h.sig.Call(ctx, "getProducers", nil, &producers); err != nil {
		h.metrics.SignalingErrors.Add(1)
		return fmt.Errorf("failed to enumerate producers: %w", err)
	}

	logger.Info("Hook", "Received %d existing producers", len(producers))
	for _, p := range producers {
		if p.ID == "" || p.StreamID == "" {
			continue
		}
		h.OnProducerAdded(p.StreamID, p.ID, p.Kind)
	}
	return nil
}

// OnProducerAdded records a producer, creating the stream entry if absent,
// and provisions a consumer for video producers.
func (h *Hook) OnProducerAdded(streamID, producerID string, kind types.MediaKind) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	st, ok := h.streams[streamID]
	if !ok {
		st = &streamState{
			id:         streamID,
			producers:  make(map[string]types.Producer),
			startTime:  time.Now(),
			autoDetect: h.cfg.AutoDetect,
			consumers:  make(map[string]*consumer.Consumer),
		}
		h.streams[streamID] = st
		h.metrics.ActiveStreams.Add(1)
		h.metrics.TotalStreams.Add(1)
	}
	st.producers[producerID] = types.Producer{ID: producerID, StreamID: streamID, Kind: kind}
	h.mu.Unlock()

	if kind != types.KindVideo {
		logger.Info("Hook", "Ignoring non-video producer: %s", producerID)
		return
	}

	// Setup involves several signaling round trips; run it off the event
	// path so one slow stream cannot delay the others.
	go h.provisionConsumer(streamID, producerID)
}

// provisionConsumer negotiates a transport and attaches a consumer and
// processor for one video producer. Any failure aborts this setup attempt
// only.
func (h *Hook) provisionConsumer(streamID, producerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	var rtpCaps json.RawMessage
	if err := h.sig.Call(ctx, "getRtpCapabilities", nil, &rtpCaps); err != nil {
		h.metrics.SignalingErrors.Add(1)
		logger.Error("Hook", "Failed to get RTP capabilities: %v", err)
		return
	}

	var transport signaling.TransportOptions
	err := h.sig.Call(ctx, "createWebRtcTransport", signaling.CreateTransportRequest{Consuming: true}, &transport)
	if err != nil {
		h.metrics.SignalingErrors.Add(1)
		logger.Error("Hook", "Failed to create transport: %v", err)
		return
	}
	if transport.ID == "" {
		h.metrics.SignalingErrors.Add(1)
		logger.Error("Hook", "No transport ID received")
		return
	}

	cons, err := consumer.New(h.sig, producerID, streamID, transport, rtpCaps, h.decoder, func(frame *types.VideoFrame) {
		h.onFrame(streamID, frame)
	})
	if err != nil {
		logger.Error("Hook", "Error setting up consumer for producer %s: %v", producerID, err)
		return
	}

	// The processor must exist before frames can arrive.
	h.ensureProcessor(streamID)

	if err := cons.Start(ctx); err != nil {
		h.metrics.SignalingErrors.Add(1)
		logger.Error("Hook", "Error starting consumer for producer %s: %v", producerID, err)
		cons.Stop()
		return
	}

	h.mu.Lock()
	st, ok := h.streams[streamID]
	if !ok || h.closed {
		// Teardown raced setup; release everything we just built.
		h.mu.Unlock()
		cons.Stop()
		return
	}
	st.consumers[cons.ID] = cons
	h.mu.Unlock()
	h.metrics.ActiveConsumers.Add(1)

	h.sendChat(streamID, "Media processor is now monitoring this stream")
	status := "disabled"
	if h.cfg.AutoDetect {
		status = "enabled"
	}
	h.sendChat(streamID, fmt.Sprintf("Auto-detection is %s. All analysis results will be sent to chat.", status))
	h.sendChat(streamID, helpText)
}

// ensureProcessor creates the stream's processor and analyzer session if
// they do not exist yet. At most one processor exists per stream.
func (h *Hook) ensureProcessor(streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[streamID]
	if !ok || st.processor != nil {
		return
	}

	session := analyzer.NewSession(streamID, h.vision, h.cfg.AnalysisInterval, h.cfg.MaxHistory, h.contextDoc)
	st.processor = processor.New(
		streamID,
		filepath.Join(h.cfg.FramesDir, streamID),
		session,
		h.cfg.MaxInFlight,
		h.metrics,
		func(result *types.AnalysisResult) { h.onResult(streamID, result) },
	)
}

// onFrame routes a consumer frame to the stream's processor. A frame for a
// torn-down stream is dropped.
func (h *Hook) onFrame(streamID string, frame *types.VideoFrame) {
	h.mu.Lock()
	st, ok := h.streams[streamID]
	var p *processor.Processor
	if ok {
		p = st.processor
	}
	h.mu.Unlock()

	if p == nil {
		return
	}
	p.HandleFrame(frame)
}

// onResult handles one analysis completion. Completion order is not
// capture order; the registry check guards against results arriving after
// teardown.
func (h *Hook) onResult(streamID string, result *types.AnalysisResult) {
	if result.Status != types.StatusAnalyzed {
		return
	}

	h.mu.Lock()
	st, ok := h.streams[streamID]
	if !ok {
		h.mu.Unlock()
		logger.Debug("Hook", "Dropping analysis result for removed stream %s", streamID)
		return
	}
	auto := st.autoDetect
	h.mu.Unlock()

	if !auto {
		return
	}
	if msg := formatBroadcast(result.Report); msg != "" {
		h.sendChat(streamID, msg)
	}
}

// OnProducerRemoved deletes a producer; removing the last producer of a
// stream triggers full teardown.
func (h *Hook) OnProducerRemoved(streamID, producerID string) {
	h.mu.Lock()
	st, ok := h.streams[streamID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(st.producers, producerID)
	if len(st.producers) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.streams, streamID)
	h.mu.Unlock()

	h.teardown(st)
}

// teardown releases one stream's resources. Idempotent: the caller removed
// the registry entry, and the consumer/processor shutdowns tolerate being
// invoked twice or on partially-initialized state.
func (h *Hook) teardown(st *streamState) {
	logger.Info("Hook", "Cleaning up stream %s", st.id)

	for _, cons := range st.consumers {
		cons.Stop()
		h.metrics.ActiveConsumers.Add(^uint64(0))
	}
	if st.processor != nil {
		st.processor.Close()
	}
	h.metrics.ActiveStreams.Add(^uint64(0))
}

// cleanupAll tears down every stream
func (h *Hook) cleanupAll() {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*streamState)
	h.mu.Unlock()

	logger.Info("Hook", "Cleaning up all resources")
	for _, st := range streams {
		h.teardown(st)
	}
}

// sendChat sends a system message on a stream's chat channel
func (h *Hook) sendChat(streamID, text string) {
	err := h.sig.Emit("chatMessage", signaling.ChatMessageEvent{
		StreamID: streamID,
		Message: types.ChatMessage{
			Type:      "system",
			Text:      text,
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		},
	})
	if err != nil {
		logger.Warn("Hook", "Failed to send chat message to stream %s: %v", streamID, err)
		return
	}
	logger.Debug("Hook", "Sent message to stream %s: %s", streamID, text)
}

// StreamCount returns the number of tracked streams
func (h *Hook) StreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Close tears down every stream and stops accepting new producers. Safe to
// call more than once.
func (h *Hook) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cleanupAll()
}
