package services

import (
	"context"
	"sync"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// SessionController composes the publish and playback sessions. They never share
// state; the controller only forwards commands and fans out status views.
type SessionController struct {
	publish   *PublishSession
	playback  *PlaybackSession
	publisher ports.EventPublisher
	observers []ports.StatusObserver
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	subscribers map[int]chan domain.SessionView
	nextSub     int
	last        domain.ConnectionStatus
	events      chan domain.SessionView
}

func NewSessionController(
	publish *PublishSession,
	playback *PlaybackSession,
	publisher ports.EventPublisher,
	logger *zap.SugaredLogger,
	observers ...ports.StatusObserver,
) *SessionController {
	c := &SessionController{
		publish:     publish,
		playback:    playback,
		publisher:   publisher,
		observers:   observers,
		logger:      logger,
		subscribers: make(map[int]chan domain.SessionView),
		events:      make(chan domain.SessionView, 32),
	}

	publish.OnChange(c.broadcast)
	playback.OnChange(c.broadcast)
	publish.OnStats(func(stats domain.StatsSnapshot) {
		for _, o := range c.observers {
			o.ObserveStats(stats)
		}
	})
	return c
}

// Start begins publishing. It returns the new publish generation.
func (c *SessionController) Start() uint64 {
	return c.publish.Start()
}

// Stop ends publishing only; playback keeps running.
func (c *SessionController) Stop() {
	c.publish.Stop()
}

// Open binds playback to the remote stream.
func (c *SessionController) Open() uint64 {
	return c.playback.Open()
}

// Refresh rebuilds playback from scratch.
func (c *SessionController) Refresh() uint64 {
	return c.playback.Refresh()
}

// Play resumes playback that waits for a user gesture.
func (c *SessionController) Play() error {
	return c.playback.Play()
}

// Close stops both directions.
func (c *SessionController) Close() {
	c.publish.Stop()
	c.playback.Close()
}

// Status is derived from both sessions on every call.
func (c *SessionController) Status() domain.ConnectionStatus {
	return domain.ConnectionStatus{
		Publishing: c.publish.Publishing(),
		Playing:    c.playback.Playing(),
	}
}

func (c *SessionController) View() domain.SessionView {
	publish := c.publish.Snapshot()
	playback := c.playback.Snapshot()
	return domain.SessionView{
		Status: domain.ConnectionStatus{
			Publishing: publish.Streaming,
			Playing:    playback.State == domain.PlaybackPlaying,
		},
		Publish:   publish,
		Playback:  playback,
		Timestamp: time.Now(),
	}
}

func (c *SessionController) PublishErr() error {
	return c.publish.Err()
}

func (c *SessionController) PlaybackErr() error {
	return c.playback.Err()
}

// Subscribe returns a channel receiving every view change. Slow subscribers miss
// intermediate views rather than blocking the sessions.
func (c *SessionController) Subscribe(buffer int) (<-chan domain.SessionView, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan domain.SessionView, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *SessionController) broadcast() {
	view := c.View()

	c.mu.Lock()
	if view.Status != c.last {
		c.logger.Infow("connection status changed",
			"publishing", view.Status.Publishing,
			"playing", view.Status.Playing,
			"publish_state", view.Publish.StateName,
			"playback_state", view.Playback.StateName,
		)
		c.last = view.Status
	}
	for _, ch := range c.subscribers {
		select {
		case ch <- view:
		default:
		}
	}
	c.mu.Unlock()

	for _, o := range c.observers {
		o.ObserveSession(view)
	}

	if c.publisher != nil {
		select {
		case c.events <- view:
		default:
			c.logger.Debugw("status event queue full, dropping view")
		}
	}
}

// Run forwards status views to the event publisher until ctx is done.
func (c *SessionController) Run(ctx context.Context) error {
	if c.publisher == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view := <-c.events:
			publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := c.publisher.PublishStatus(publishCtx, view); err != nil {
				c.logger.Warnw("failed to publish status event", "error", err)
			}
			cancel()
		}
	}
}
