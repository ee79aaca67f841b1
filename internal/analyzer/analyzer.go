package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/pkg/types"
)

const (
	defaultInterval   = 5
	defaultMaxHistory = 10
	maxEvents         = 50
	maxContextChars   = 2000

	historyInPrompt = 5
	eventsInPrompt  = 3
)

const systemPromptBase = `You are an AI assistant specialized in analyzing student activity from video streams.
Your task is to perform OCR (extract text from the screen) and detect events based on the implementation plan.

For each frame, you should:
1. Extract all visible text from the screen (OCR)
2. Identify the application being used
3. Detect student events according to the implementation plan
4. Determine if the student is active or inactive
5. Identify any anti-patterns (e.g., idling, cheating) or speed bumps (e.g., rushing)

Respond with a JSON object containing:
- "ocr_text": All text visible on the screen
- "app_detected": The application identified
- "events": Array of events detected
- "activity_status": "active" or "inactive"
- "anti_patterns": Array of anti-patterns detected
- "speed_bumps": Array of speed bumps detected

Each event should have:
- "type": The event type
- "confidence": Your confidence level (0-1)
- "details": Additional information

Be precise and focus on high-confidence detections (>0.8).
`

// frameRef is one entry in the bounded frame history
type frameRef struct {
	Timestamp   string
	StreamID    string
	FrameNumber uint64
}

// Session analyzes sampled frames for one stream. It keeps a bounded frame
// history and event FIFO for prompt context and gates actual service calls
// on the analysis interval.
type Session struct {
	streamID   string
	client     VisionClient
	interval   int
	maxHistory int
	contextDoc string

	mu         sync.Mutex
	frameCount uint64
	history    []frameRef
	events     []types.Event
}

// NewSession creates an analyzer session. A nil client disables analysis:
// every frame yields an Unanalyzed result.
func NewSession(streamID string, client VisionClient, interval, maxHistory int, contextDoc string) *Session {
	if interval <= 0 {
		interval = defaultInterval
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Session{
		streamID:   streamID,
		client:     client,
		interval:   interval,
		maxHistory: maxHistory,
		contextDoc: contextDoc,
	}
}

// AnalyzeFrame submits one sampled frame. Frames off the analysis interval
// (and all frames when analysis is disabled) return an Unanalyzed result
// without contacting the service. Service and encoding failures return a
// Failed result; this method never panics or propagates an error upstream.
func (s *Session) AnalyzeFrame(ctx context.Context, frame *types.VideoFrame) *types.AnalysisResult {
	s.mu.Lock()
	s.frameCount++
	n := s.frameCount

	if n%uint64(s.interval) != 0 || s.client == nil {
		s.mu.Unlock()
		return &types.AnalysisResult{Status: types.StatusUnanalyzed, FrameNumber: n}
	}

	ts := time.Now().Format(time.RFC3339)
	s.history = append(s.history, frameRef{Timestamp: ts, StreamID: s.streamID, FrameNumber: n})
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}

	userPrompt := s.buildUserPromptLocked(n, ts)
	s.mu.Unlock()

	payload, err := encodeFrame(frame.Image)
	if err != nil {
		logger.Error("Analyzer", "Frame %d encode failed: %v", n, err)
		return &types.AnalysisResult{Status: types.StatusFailed, FrameNumber: n, Err: err.Error()}
	}

	text, err := s.client.Analyze(ctx, payload, s.buildSystemPrompt(), userPrompt)
	if err != nil {
		logger.Error("Analyzer", "Frame %d analysis failed: %v", n, err)
		return &types.AnalysisResult{Status: types.StatusFailed, FrameNumber: n, Err: err.Error()}
	}

	report := parseResponse(text)

	// Events are stamped with completion time, not capture time; analysis
	// calls finish out of order.
	now := time.Now()
	completedAt := now.Format(time.RFC3339)
	for i := range report.Events {
		report.Events[i].Timestamp = completedAt
	}

	if len(report.Events) > 0 {
		s.mu.Lock()
		s.events = append(s.events, report.Events...)
		if len(s.events) > maxEvents {
			s.events = s.events[len(s.events)-maxEvents:]
		}
		s.mu.Unlock()
	}

	logger.Info("Analyzer", "Frame %d analyzed: %d events detected", n, len(report.Events))
	return &types.AnalysisResult{
		Status:      types.StatusAnalyzed,
		FrameNumber: n,
		AnalyzedAt:  now,
		Report:      report,
	}
}

// buildSystemPrompt appends the truncated domain-context document to the
// fixed instructions.
func (s *Session) buildSystemPrompt() string {
	if s.contextDoc == "" {
		return systemPromptBase
	}

	doc := s.contextDoc
	if len(doc) > maxContextChars {
		doc = doc[:maxContextChars] + "...(truncated)"
	}
	return systemPromptBase + "\n\nHere is the implementation plan to guide your analysis:\n\n" + doc
}

// buildUserPromptLocked embeds frame context, recent history, and recent
// events. Caller holds s.mu.
func (s *Session) buildUserPromptLocked(frameNumber uint64, timestamp string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this frame from stream %s.\n\n", s.streamID)
	fmt.Fprintf(&b, "Context:\n- Frame number: %d\n- Timestamp: %s\n- Stream ID: %s\n", frameNumber, timestamp, s.streamID)

	if len(s.history) > 1 {
		b.WriteString("\nRecent activity:\n")
		start := len(s.history) - historyInPrompt
		if start < 0 {
			start = 0
		}
		for _, h := range s.history[start:] {
			fmt.Fprintf(&b, "- Frame %d at %s\n", h.FrameNumber, h.Timestamp)
		}
	}

	if len(s.events) > 0 {
		b.WriteString("\nRecent events detected:\n")
		start := len(s.events) - eventsInPrompt
		if start < 0 {
			start = 0
		}
		for _, e := range s.events[start:] {
			fmt.Fprintf(&b, "- %s (%.2f): %s\n", e.Type, e.Confidence, e.Details)
		}
	}

	b.WriteString("\nPlease analyze this frame and return the JSON response as specified.")
	return b.String()
}

// parseResponse decodes a service reply. It tries the first '{' through the
// last '}', then the whole reply, then degrades to a report carrying the
// raw text and no events. It never fails.
func parseResponse(text string) *types.AnalysisReport {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")

	if start >= 0 && end > start {
		var report types.AnalysisReport
		if err := json.Unmarshal([]byte(text[start:end+1]), &report); err == nil {
			return &report
		}
	}

	var report types.AnalysisReport
	if err := json.Unmarshal([]byte(text), &report); err == nil {
		return &report
	}

	logger.Warn("Analyzer", "Could not parse analysis response: %.100s", text)
	return &types.AnalysisReport{
		OCRText:     "Error parsing response",
		RawResponse: text,
		Events:      []types.Event{},
	}
}

// Events returns up to limit of the most recent events, oldest first
func (s *Session) Events(limit int) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]types.Event, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out
}

// Stats returns the analyzed-frame count and total detected events
func (s *Session) Stats() (framesAnalyzed uint64, eventsDetected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount / uint64(s.interval), len(s.events)
}
