package capture

import (
	"sync"

	"medlink/internal/core/ports"

	"go.uber.org/zap"
)

// Preview is a headless PreviewSink. It remembers the attached stream so the
// station can report what it is showing locally.
type Preview struct {
	mu     sync.Mutex
	stream ports.MediaStream
	logger *zap.SugaredLogger
}

func NewPreview(logger *zap.SugaredLogger) *Preview {
	return &Preview{logger: logger}
}

func (p *Preview) Attach(stream ports.MediaStream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stream = stream
	if stream == nil {
		return
	}
	kinds := make([]string, 0, 2)
	for _, track := range stream.Tracks() {
		kinds = append(kinds, track.Kind().String())
	}
	p.logger.Infow("preview attached", "stream_id", stream.ID(), "tracks", kinds)
}

func (p *Preview) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return
	}
	p.logger.Infow("preview detached", "stream_id", p.stream.ID())
	p.stream = nil
}

// StreamID returns the attached stream id, or "" when nothing is attached.
func (p *Preview) StreamID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return ""
	}
	return p.stream.ID()
}
