package hook

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamhook/media-processor/internal/media"
	"github.com/streamhook/media-processor/internal/metrics"
	"github.com/streamhook/media-processor/internal/signaling"
	"github.com/streamhook/media-processor/pkg/types"
)

// fakeSignaler records emitted chat messages and fails every RPC
type fakeSignaler struct {
	mu           sync.Mutex
	handlers     map[string]signaling.Handler
	onDisconnect func()
	sent         []signaling.ChatMessageEvent
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string]signaling.Handler)}
}

func (f *fakeSignaler) On(event string, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeSignaler) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeSignaler) Connect(ctx context.Context) error { return nil }

func (f *fakeSignaler) Call(ctx context.Context, event string, params any, out any) error {
	return fmt.Errorf("no server")
}

func (f *fakeSignaler) Emit(event string, payload any) error {
	ev, ok := payload.(signaling.ChatMessageEvent)
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSignaler) disconnect() {
	f.mu.Lock()
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeSignaler) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, ev := range f.sent {
		texts = append(texts, ev.Message.Text)
	}
	return texts
}

func (f *fakeSignaler) lastMessage() string {
	msgs := f.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func newTestHook(t *testing.T) (*Hook, *fakeSignaler, *metrics.Metrics) {
	t.Helper()
	fake := newFakeSignaler()
	m := metrics.New()
	cfg := types.Config{
		FramesDir:        t.TempDir(),
		AnalysisInterval: 5,
		MaxHistory:       10,
		AutoDetect:       true,
		MaxInFlight:      4,
	}
	h := New(cfg, fake, m, nil, media.JPEGDecoder{}, "")
	return h, fake, m
}

func userMessage(text string) types.ChatMessage {
	return types.ChatMessage{Type: "user", Text: text, Timestamp: float64(time.Now().Unix())}
}

func TestProducerRegistryLifecycle(t *testing.T) {
	h, _, m := newTestHook(t)

	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.OnProducerAdded("stream-1", "prod-b", types.KindAudio)
	if got := h.StreamCount(); got != 1 {
		t.Fatalf("stream count = %d, want 1", got)
	}
	if got := m.TotalStreams.Load(); got != 1 {
		t.Fatalf("total streams = %d, want 1", got)
	}

	h.OnProducerRemoved("stream-1", "prod-a")
	if got := h.StreamCount(); got != 1 {
		t.Fatalf("stream count after first removal = %d, want 1", got)
	}

	h.OnProducerRemoved("stream-1", "prod-b")
	if got := h.StreamCount(); got != 0 {
		t.Fatalf("stream count after last removal = %d, want 0", got)
	}
	if got := m.ActiveStreams.Load(); got != 0 {
		t.Fatalf("active streams = %d, want 0", got)
	}
}

func TestRemoveUnknownProducerIsNoop(t *testing.T) {
	h, _, _ := newTestHook(t)
	h.OnProducerRemoved("ghost", "prod-a")
	if got := h.StreamCount(); got != 0 {
		t.Fatalf("stream count = %d, want 0", got)
	}
}

func TestTeardownClosesProcessor(t *testing.T) {
	h, _, m := newTestHook(t)

	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.ensureProcessor("stream-1")

	h.mu.Lock()
	p := h.streams["stream-1"].processor
	h.mu.Unlock()
	if p == nil {
		t.Fatalf("processor not created")
	}

	h.OnProducerRemoved("stream-1", "prod-a")

	// A closed processor drops frames on the floor.
	p.HandleFrame(&types.VideoFrame{Image: image.NewRGBA(image.Rect(0, 0, 8, 8)), Timestamp: time.Now()})
	if got := m.FramesReceived.Load(); got != 0 {
		t.Fatalf("frames received after teardown = %d, want 0", got)
	}
}

func TestFrameForRemovedStreamDropped(t *testing.T) {
	h, _, m := newTestHook(t)
	h.onFrame("ghost", &types.VideoFrame{Image: image.NewRGBA(image.Rect(0, 0, 8, 8)), Timestamp: time.Now()})
	if got := m.FramesReceived.Load(); got != 0 {
		t.Fatalf("frames received = %d, want 0", got)
	}
}

func TestDisconnectCleansUpEverything(t *testing.T) {
	h, fake, _ := newTestHook(t)

	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.OnProducerAdded("stream-2", "prod-b", types.KindAudio)
	if got := h.StreamCount(); got != 2 {
		t.Fatalf("stream count = %d, want 2", got)
	}

	fake.disconnect()
	if got := h.StreamCount(); got != 0 {
		t.Fatalf("stream count after disconnect = %d, want 0", got)
	}
}

func TestAutoToggle(t *testing.T) {
	h, fake, m := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)

	h.handleChatMessage("stream-1", userMessage("!auto"))
	if got := fake.lastMessage(); got != "Auto-detection disabled" {
		t.Fatalf("first toggle reply = %q", got)
	}

	h.handleChatMessage("stream-1", userMessage("!auto"))
	if got := fake.lastMessage(); got != "Auto-detection enabled" {
		t.Fatalf("second toggle reply = %q", got)
	}

	h.mu.Lock()
	auto := h.streams["stream-1"].autoDetect
	h.mu.Unlock()
	if !auto {
		t.Fatalf("auto-detect flag not restored after double toggle")
	}
	if got := m.CommandsHandled.Load(); got != 2 {
		t.Fatalf("commands handled = %d, want 2", got)
	}
}

func TestHelpCommand(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)

	h.handleChatMessage("stream-1", userMessage("!help"))
	if got := fake.lastMessage(); got != helpText {
		t.Fatalf("help reply = %q", got)
	}
}

func TestSystemMessagesIgnored(t *testing.T) {
	h, fake, m := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)

	h.handleChatMessage("stream-1", types.ChatMessage{Type: "system", Text: "!auto"})
	if len(fake.messages()) != 0 {
		t.Fatalf("system message triggered a command")
	}
	if got := m.CommandsHandled.Load(); got != 0 {
		t.Fatalf("commands handled = %d, want 0", got)
	}
}

func TestNonCommandTextIgnored(t *testing.T) {
	h, fake, m := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)

	h.handleChatMessage("stream-1", userMessage("hello everyone"))
	h.handleChatMessage("stream-1", userMessage("!frobnicate"))
	if len(fake.messages()) != 0 {
		t.Fatalf("non-command text triggered a reply")
	}
	if got := m.CommandsHandled.Load(); got != 0 {
		t.Fatalf("commands handled = %d, want 0", got)
	}
}

func TestStatsCommand(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.ensureProcessor("stream-1")

	h.handleChatMessage("stream-1", userMessage("!stats"))
	got := fake.lastMessage()
	if !strings.HasPrefix(got, "Stream active for 0m ") {
		t.Fatalf("stats reply = %q", got)
	}
	for _, want := range []string{"FPS: 0.0", "Frames: 0", "Analyzed: 0", "Events: 0", "Auto-detection: enabled"} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats reply %q missing %q", got, want)
		}
	}
}

func TestAnalyzeCommandWithoutEvents(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.ensureProcessor("stream-1")

	h.handleChatMessage("stream-1", userMessage("!analyze"))
	if got := fake.lastMessage(); got != "No events detected yet" {
		t.Fatalf("analyze reply = %q", got)
	}
}

func TestSnapshotCommandWithoutFrame(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.ensureProcessor("stream-1")

	h.handleChatMessage("stream-1", userMessage("!snapshot"))
	if got := fake.lastMessage(); got != "Failed to save snapshot" {
		t.Fatalf("snapshot reply = %q", got)
	}
}

func TestSnapshotCommandSavesFrame(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	h.ensureProcessor("stream-1")

	h.onFrame("stream-1", &types.VideoFrame{Image: image.NewRGBA(image.Rect(0, 0, 32, 24)), Timestamp: time.Now()})

	h.handleChatMessage("stream-1", userMessage("!snapshot"))
	got := fake.lastMessage()
	if !strings.HasPrefix(got, "Snapshot saved: snapshot_") || !strings.HasSuffix(got, ".jpg") {
		t.Fatalf("snapshot reply = %q", got)
	}
}

func TestBroadcastRespectsAutoFlag(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)

	result := &types.AnalysisResult{
		Status: types.StatusAnalyzed,
		Report: &types.AnalysisReport{OCRText: "hello world"},
	}

	h.onResult("stream-1", result)
	if got := fake.lastMessage(); got != "OCR: hello world" {
		t.Fatalf("broadcast = %q", got)
	}

	h.mu.Lock()
	h.streams["stream-1"].autoDetect = false
	h.mu.Unlock()

	h.onResult("stream-1", result)
	if got := len(fake.messages()); got != 1 {
		t.Fatalf("messages = %d after auto-detection disabled, want 1", got)
	}
}

func TestResultForRemovedStreamDropped(t *testing.T) {
	h, fake, _ := newTestHook(t)

	h.onResult("ghost", &types.AnalysisResult{
		Status: types.StatusAnalyzed,
		Report: &types.AnalysisReport{OCRText: "stale"},
	})
	if got := len(fake.messages()); got != 0 {
		t.Fatalf("messages = %d for removed stream, want 0", got)
	}
}

func TestUnanalyzedResultNotBroadcast(t *testing.T) {
	h, fake, _ := newTestHook(t)
	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)

	h.onResult("stream-1", &types.AnalysisResult{Status: types.StatusUnanalyzed})
	if got := len(fake.messages()); got != 0 {
		t.Fatalf("messages = %d for unanalyzed result, want 0", got)
	}
}

func TestCloseRejectsNewProducers(t *testing.T) {
	h, _, _ := newTestHook(t)
	h.Close()

	h.OnProducerAdded("stream-1", "prod-a", types.KindAudio)
	if got := h.StreamCount(); got != 0 {
		t.Fatalf("stream count after close = %d, want 0", got)
	}
}
