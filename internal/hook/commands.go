package hook

import (
	"fmt"
	"strings"
	"time"

	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/internal/processor"
	"github.com/streamhook/media-processor/pkg/types"
)

const helpText = "Available commands: !stats, !analyze, !snapshot, !auto (toggle auto-detection), !help"

const (
	broadcastConfidence = 0.5
	broadcastMaxEvents  = 3
	broadcastOCRLimit   = 100
	recentEventLimit    = 5
)

// Command is one recognized chat command
type Command int

const (
	CmdNone Command = iota
	CmdHelp
	CmdStats
	CmdAnalyze
	CmdAuto
	CmdSnapshot
)

// ParseCommand extracts a command from chat text. Commands start with '!'
// and are matched case-insensitively on the first whitespace-delimited
// token; anything else is CmdNone.
func ParseCommand(text string) Command {
	t := strings.ToLower(strings.TrimSpace(text))
	if !strings.HasPrefix(t, "!") {
		return CmdNone
	}

	fields := strings.Fields(t[1:])
	if len(fields) == 0 {
		return CmdNone
	}

	switch fields[0] {
	case "help":
		return CmdHelp
	case "stats":
		return CmdStats
	case "analyze":
		return CmdAnalyze
	case "auto":
		return CmdAuto
	case "snapshot":
		return CmdSnapshot
	default:
		return CmdNone
	}
}

// handleChatMessage runs one inbound chat message through the dispatcher.
// Only user messages are considered; unrecognized text is silently ignored.
func (h *Hook) handleChatMessage(streamID string, msg types.ChatMessage) {
	if msg.Type != "user" {
		return
	}

	cmd := ParseCommand(msg.Text)
	if cmd == CmdNone {
		return
	}
	h.metrics.CommandsHandled.Add(1)

	switch cmd {
	case CmdHelp:
		h.sendChat(streamID, helpText)
	case CmdStats:
		h.handleStats(streamID)
	case CmdAnalyze:
		h.handleAnalyze(streamID)
	case CmdAuto:
		h.handleAuto(streamID)
	case CmdSnapshot:
		h.handleSnapshot(streamID)
	}
}

// handleStats reports stream duration, processing stats, and the
// auto-detection flag.
func (h *Hook) handleStats(streamID string) {
	h.mu.Lock()
	st, ok := h.streams[streamID]
	if !ok {
		h.mu.Unlock()
		return
	}
	duration := int(time.Since(st.startTime).Seconds())
	auto := st.autoDetect
	p := st.processor
	h.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Stream active for %dm %ds", duration/60, duration%60)

	if p != nil {
		stats := p.Stats()
		fmt.Fprintf(&b, " | FPS: %.1f | Frames: %d | Analyzed: %d | Events: %d",
			stats.FPS, stats.FramesProcessed, stats.FramesAnalyzed, stats.EventsDetected)
	}

	status := "disabled"
	if auto {
		status = "enabled"
	}
	fmt.Fprintf(&b, " | Auto-detection: %s", status)

	h.sendChat(streamID, b.String())
}

// handleAnalyze reports the most recent detected events
func (h *Hook) handleAnalyze(streamID string) {
	h.mu.Lock()
	st, ok := h.streams[streamID]
	var events []types.Event
	if ok && st.processor != nil {
		events = st.processor.Session().Events(recentEventLimit)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if len(events) == 0 {
		h.sendChat(streamID, "No events detected yet")
		return
	}

	h.sendChat(streamID, fmt.Sprintf("Recent events (%d):", len(events)))
	for _, e := range events {
		h.sendChat(streamID, fmt.Sprintf("- %s (%.2f): %s", e.Type, e.Confidence, e.Details))
	}
}

// handleAuto flips the stream's auto-detection flag
func (h *Hook) handleAuto(streamID string) {
	h.mu.Lock()
	st, ok := h.streams[streamID]
	if !ok {
		h.mu.Unlock()
		return
	}
	st.autoDetect = !st.autoDetect
	enabled := st.autoDetect
	h.mu.Unlock()

	status := "disabled"
	if enabled {
		status = "enabled"
	}
	h.sendChat(streamID, fmt.Sprintf("Auto-detection %s", status))
}

// handleSnapshot persists the most recent raw frame of the stream
func (h *Hook) handleSnapshot(streamID string) {
	h.mu.Lock()
	st, ok := h.streams[streamID]
	var p *processor.Processor
	if ok {
		p = st.processor
		st.snapshotRequested = p != nil
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if p == nil {
		h.sendChat(streamID, "Failed to save snapshot")
		return
	}

	filename, err := p.SaveSnapshot()

	h.mu.Lock()
	if cur, stillThere := h.streams[streamID]; stillThere {
		cur.snapshotRequested = false
	}
	h.mu.Unlock()

	if err != nil {
		logger.Warn("Hook", "Snapshot failed for stream %s: %v", streamID, err)
		h.sendChat(streamID, "Failed to save snapshot")
		return
	}
	h.sendChat(streamID, fmt.Sprintf("Snapshot saved: %s", filename))
}

// formatBroadcast composes one combined message from the populated fields
// of an analyzed result. Lists are filtered to confidence > 0.5; empty
// categories are omitted, and an empty report yields "".
func formatBroadcast(report *types.AnalysisReport) string {
	var parts []string

	if report.OCRText != "" {
		ocr := report.OCRText
		if len(ocr) > broadcastOCRLimit {
			ocr = ocr[:broadcastOCRLimit-3] + "..."
		}
		parts = append(parts, "OCR: "+ocr)
	}

	if report.AppDetected != "" {
		parts = append(parts, "App: "+report.AppDetected)
	}

	if report.ActivityStatus != "" {
		parts = append(parts, "Status: "+report.ActivityStatus)
	}

	var eventTexts []string
	for _, e := range report.Events {
		if e.Confidence > broadcastConfidence {
			eventTexts = append(eventTexts, fmt.Sprintf("%s (%.2f): %s", e.Type, e.Confidence, e.Details))
		}
	}
	if len(eventTexts) > 0 {
		if len(eventTexts) > broadcastMaxEvents {
			eventTexts = eventTexts[:broadcastMaxEvents]
		}
		parts = append(parts, "Events: "+strings.Join(eventTexts, "; "))
	}

	if texts := summarize(report.AntiPatterns); len(texts) > 0 {
		parts = append(parts, "Anti-patterns: "+strings.Join(texts, ", "))
	}

	if texts := summarize(report.SpeedBumps); len(texts) > 0 {
		parts = append(parts, "Speed bumps: "+strings.Join(texts, ", "))
	}

	return strings.Join(parts, " | ")
}

// summarize formats confidence-filtered pattern entries as "type (0.xx)"
func summarize(entries []types.Event) []string {
	var texts []string
	for _, e := range entries {
		if e.Confidence > broadcastConfidence {
			texts = append(texts, fmt.Sprintf("%s (%.2f)", e.Type, e.Confidence))
		}
	}
	return texts
}
