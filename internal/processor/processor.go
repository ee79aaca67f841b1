package processor

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/streamhook/media-processor/internal/analyzer"
	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/internal/metrics"
	"github.com/streamhook/media-processor/pkg/types"
)

const (
	// Structural skip: 4 of every 5 received frames are dropped before
	// any further processing.
	sampleEvery = 5

	latencyWindow      = 100
	snapshotQuality    = 90
	defaultMaxInFlight = 4
)

// ResultFunc receives the outcome of every dispatched frame
type ResultFunc func(result *types.AnalysisResult)

// Processor handles the frame pipeline for one stream: structural
// decimation, bounded concurrent analysis dispatch, latency/fps stats, and
// snapshots of the most recent raw frame.
type Processor struct {
	streamID  string
	framesDir string
	session   *analyzer.Session
	metrics   *metrics.Metrics
	onResult  ResultFunc

	// Caps concurrent analysis calls for this stream. When saturated,
	// sampled frames are shed so ingestion never blocks.
	sem *semaphore.Weighted

	mu              sync.Mutex
	framesProcessed uint64
	procTimes       []float64 // seconds, bounded to latencyWindow
	fps             float64
	lastFrame       *types.VideoFrame
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a processor for one stream and its snapshot directory
func New(streamID, framesDir string, session *analyzer.Session, maxInFlight int64, m *metrics.Metrics, onResult ResultFunc) *Processor {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		logger.Warn("Processor", "Failed to create frames directory %s: %v", framesDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("Processor", "Video processor initialized for stream %s", streamID)
	return &Processor{
		streamID:  streamID,
		framesDir: framesDir,
		session:   session,
		metrics:   m,
		onResult:  onResult,
		sem:       semaphore.NewWeighted(maxInFlight),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// HandleFrame ingests one frame from the consumer. Never blocks on the
// analysis service: sampled frames are dispatched as independent goroutines
// and shed when the in-flight cap is reached.
func (p *Processor) HandleFrame(frame *types.VideoFrame) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.framesProcessed++
	n := p.framesProcessed
	p.lastFrame = frame
	p.mu.Unlock()

	p.metrics.FramesReceived.Add(1)

	if n%sampleEvery != 0 {
		return
	}
	p.metrics.FramesSampled.Add(1)

	if !p.sem.TryAcquire(1) {
		p.metrics.FramesShed.Add(1)
		logger.Debug("Processor", "Stream %s: analysis saturated, shedding frame %d", p.streamID, n)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.analyze(frame)
	}()
}

// analyze runs one frame through the session and records latency stats
func (p *Processor) analyze(frame *types.VideoFrame) {
	start := time.Now()
	result := p.session.AnalyzeFrame(p.ctx, frame)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.procTimes = append(p.procTimes, elapsed.Seconds())
	if len(p.procTimes) > latencyWindow {
		p.procTimes = p.procTimes[len(p.procTimes)-latencyWindow:]
	}
	var sum float64
	for _, t := range p.procTimes {
		sum += t
	}
	if avg := sum / float64(len(p.procTimes)); avg > 0 {
		p.fps = 1.0 / avg
	}
	p.mu.Unlock()

	switch result.Status {
	case types.StatusAnalyzed:
		p.metrics.FramesAnalyzed.Add(1)
		p.metrics.EventsDetected.Add(uint64(len(result.Report.Events)))
		p.metrics.ObserveAnalysisLatency(elapsed)
	case types.StatusFailed:
		p.metrics.FramesAnalyzed.Add(1)
		p.metrics.AnalysisErrors.Add(1)
	case types.StatusUnanalyzed:
		// Interval gate; nothing was submitted.
	}

	if p.onResult != nil {
		p.onResult(result)
	}
}

// SaveSnapshot writes the most recently received raw frame to a
// timestamp-named JPEG and returns the filename.
func (p *Processor) SaveSnapshot() (string, error) {
	p.mu.Lock()
	frame := p.lastFrame
	p.mu.Unlock()

	if frame == nil {
		return "", fmt.Errorf("no frame available for snapshot")
	}

	filename := fmt.Sprintf("snapshot_%s.jpg", time.Now().Format("20060102_150405"))
	path := filepath.Join(p.framesDir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, frame.Image, &jpeg.Options{Quality: snapshotQuality}); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	p.metrics.SnapshotsSaved.Add(1)
	logger.Info("Processor", "Snapshot saved to %s", path)
	return filename, nil
}

// Stats returns an instantaneous snapshot of processing state
func (p *Processor) Stats() types.StreamStats {
	p.mu.Lock()
	frames := p.framesProcessed
	fps := p.fps
	p.mu.Unlock()

	analyzed, events := p.session.Stats()
	return types.StreamStats{
		FramesProcessed: frames,
		FPS:             fps,
		FramesAnalyzed:  analyzed,
		EventsDetected:  events,
	}
}

// Session exposes the analyzer session for event queries
func (p *Processor) Session() *analyzer.Session {
	return p.session
}

// Close stops ingestion, cancels in-flight analysis calls, and waits for
// dispatched workers. Safe to call more than once.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	logger.Info("Processor", "Closed video processor for stream %s", p.streamID)
}
