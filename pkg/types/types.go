package types

import (
	"image"
	"time"
)

// VideoFrame represents one decoded video frame with metadata
type VideoFrame struct {
	Image     image.Image // Decoded pixel data
	Width     int         // Frame width
	Height    int         // Frame height
	Number    uint64      // Sequential frame number within the consumer
	Timestamp time.Time   // Frame receive timestamp
}

// MediaKind identifies the media type of a producer
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Producer is a remote media source registered with the coordination server
type Producer struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     MediaKind `json:"kind"`
}

// ChatMessage is one message on a stream's chat channel
type ChatMessage struct {
	Type      string  `json:"type"` // "user" or "system"
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"` // Unix seconds
}

// Event is a single detection reported by the analysis service
type Event struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"` // 0..1
	Details    string  `json:"details"`
	Timestamp  string  `json:"timestamp,omitempty"` // Set at analysis completion, RFC 3339
}

// AnalysisStatus tags an AnalysisResult
type AnalysisStatus int

const (
	// StatusUnanalyzed means the frame was skipped by the interval gate
	// (or analysis is disabled) and the service was never contacted.
	StatusUnanalyzed AnalysisStatus = iota
	// StatusAnalyzed means the service replied and a report is attached.
	StatusAnalyzed
	// StatusFailed means the service call failed; Err carries the cause.
	StatusFailed
)

// AnalysisReport holds the structured fields decoded from a service reply.
// Any subset of the fields may be present.
type AnalysisReport struct {
	OCRText        string  `json:"ocr_text"`
	AppDetected    string  `json:"app_detected"`
	Events         []Event `json:"events"`
	ActivityStatus string  `json:"activity_status"`
	AntiPatterns   []Event `json:"anti_patterns"`
	SpeedBumps     []Event `json:"speed_bumps"`
	RawResponse    string  `json:"raw_response,omitempty"`
}

// AnalysisResult is the outcome of submitting one frame to the analyzer.
// Exactly one of the three statuses applies; Report is non-nil only for
// StatusAnalyzed.
type AnalysisResult struct {
	Status      AnalysisStatus
	FrameNumber uint64
	AnalyzedAt  time.Time
	Report      *AnalysisReport
	Err         string
}

// StreamStats is an instantaneous snapshot of per-stream processing state
type StreamStats struct {
	FramesProcessed uint64  `json:"frames"`
	FPS             float64 `json:"fps"`
	FramesAnalyzed  uint64  `json:"frames_analyzed"`
	EventsDetected  int     `json:"events_detected"`
}

// Config holds the processor service configuration
type Config struct {
	ServerURL        string // Signaling server URL
	FramesDir        string // Root directory for per-stream snapshots
	APIKey           string // Analysis service API key (empty disables analysis)
	Model            string // Analysis model identifier
	AnalysisInterval int    // Analyze every Nth sampled frame
	MaxHistory       int    // Frame descriptors kept per analyzer session
	AutoDetect       bool   // Default auto-broadcast flag for new streams
	ContextPath      string // Optional domain-context document for prompts
	MaxInFlight      int64  // Per-stream cap on concurrent analysis calls
}
