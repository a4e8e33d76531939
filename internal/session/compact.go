package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/internal/event"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/provider"
)

const (
	// DefaultKeepRecentTurns is how many trailing turns survive compaction.
	DefaultKeepRecentTurns = 6

	// DefaultCompactThreshold is the token estimate above which a
	// compaction pass is scheduled.
	DefaultCompactThreshold = 150000
)

// Compactor replaces a prefix of old turns with a single summary turn.
// The most recent exchange is never compacted away.
type Compactor struct {
	backend   provider.Backend
	manager   *Manager
	bus       *event.Bus
	keep      int
	threshold int
	log       zerolog.Logger
}

func NewCompactor(backend provider.Backend, manager *Manager, bus *event.Bus) *Compactor {
	return &Compactor{
		backend:   backend,
		manager:   manager,
		bus:       bus,
		keep:      DefaultKeepRecentTurns,
		threshold: DefaultCompactThreshold,
		log:       logging.For("session"),
	}
}

// SetThreshold overrides the compaction trigger, mainly for tests.
func (c *Compactor) SetThreshold(tokens int) { c.threshold = tokens }

// Threshold returns the current trigger.
func (c *Compactor) Threshold() int { return c.threshold }

// ScheduleIfNeeded starts an asynchronous compaction pass when the
// session's recomputed token estimate crosses the threshold. The pass
// acquires the room lock in its own goroutine, so callers may hold it;
// compaction never interleaves with an orchestration over the same room.
func (c *Compactor) ScheduleIfNeeded(roomID string, estimate int) {
	if estimate <= c.threshold {
		return
	}
	c.log.Info().Str("room", roomID).Int("tokens", estimate).Msg("scheduling compaction")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		sess, release := c.manager.Acquire(roomID)
		defer release()

		if err := c.Compact(ctx, sess); err != nil {
			c.log.Warn().Err(err).Str("room", roomID).Msg("compaction skipped")
		}
	}()
}

// Compact summarizes the oldest turns and replaces them with one summary
// turn. On summarization failure the history is left untouched; it is
// never silently truncated.
func (c *Compactor) Compact(ctx context.Context, sess *Session) error {
	turns := sess.Turns()
	if len(turns) <= c.keep {
		return nil
	}

	cut := len(turns) - c.keep
	// Never leave the kept suffix starting mid-round on a tool result.
	for cut > 0 && turns[cut].Role == RoleTool {
		cut--
	}
	// Replacing one turn with one summary would not shrink the history.
	if cut < 2 {
		return nil
	}

	transcript := Transcript(turns[:cut])
	if transcript == "" {
		return nil
	}

	summary, err := c.backend.Summarize(ctx, transcript)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	before := len(turns)
	compacted := make([]Turn, 0, len(turns)-cut+1)
	compacted = append(compacted, Turn{
		ID:      NewTurnID(),
		Role:    RoleUser,
		Text:    "[Earlier conversation summary]\n" + summary,
		Time:    turns[cut-1].Time,
		Summary: true,
	})
	compacted = append(compacted, turns[cut:]...)
	sess.Replace(compacted)

	c.log.Info().Str("room", sess.RoomID).Int("before", before).Int("after", len(compacted)).Msg("history compacted")
	if c.bus != nil {
		c.bus.Publish(event.Event{
			Type: event.SessionCompacted,
			Data: event.SessionCompactedData{RoomID: sess.RoomID, Before: before, After: len(compacted)},
		})
	}
	return nil
}
