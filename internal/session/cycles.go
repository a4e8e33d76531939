package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/chat"
	"github.com/stewardhq/steward/internal/event"
	"github.com/stewardhq/steward/internal/provider"
)

// CycleRoomID is the synthetic room internal cycles run in. It never
// maps to a chat room, so cycle output stays out of user conversations.
const CycleRoomID = "__cycles__"

const reveriePrompt = `[Internal cycle: reverie]

You are entering a reverie, a period of receptive internal processing.
Scan your raw material and transform it into understanding. Check on
promises, notice what needs attention, and tend to your workspace.

If something needs action directed at a person or room, use the remind
tool to schedule it. Not every reverie produces action; if nothing
needs doing, just move on.`

const consolidationPrompt = `[Internal cycle: consolidation]

You are entering consolidation, your daily memory integration cycle.
This is where short-term observations become lasting understanding.
Review yesterday's experience, update what you know about the people
in your life, and look for patterns. Write a #reflection entry in
today's journal.`

// Cycle names, used as PRACTICE.md section headers for guidance.
const (
	CycleReverie       = "Reverie"
	CycleConsolidation = "Consolidation"
)

// RunCycle executes one internal processing cycle through the normal
// turn loop, with the agent's own PRACTICE.md notes appended when a
// matching section exists. Auth failures propagate; anything else is
// the caller's to log and retry on the next tick.
func (o *Orchestrator) RunCycle(ctx context.Context, name string) (string, error) {
	var base string
	switch name {
	case CycleReverie:
		base = reveriePrompt
	case CycleConsolidation:
		base = consolidationPrompt
	default:
		return "", errors.New("session: unknown cycle " + name)
	}

	prompt := base
	if guidance := o.cycleGuidance(name); guidance != "" {
		prompt += "\n\nYour own notes for this cycle:\n\n" + guidance
	}

	if o.bus != nil {
		o.bus.Publish(event.Event{Type: event.CycleStarted, Data: event.CycleData{Name: name}})
	}
	reply, err := o.Process(ctx, chat.IncomingMessage{
		MessageID: NewTurnID(),
		Username:  "system",
		RoomID:    CycleRoomID,
		Text:      prompt,
		Timestamp: time.Now(),
	})
	if o.bus != nil {
		done := event.CycleData{Name: name}
		if err != nil {
			done.Err = err.Error()
		}
		o.bus.Publish(event.Event{Type: event.CycleFinished, Data: done})
	}

	if errors.Is(err, provider.ErrAuth) {
		return "", err
	}
	return reply, err
}

// cycleGuidance pulls the "# <name>" section from PRACTICE.md.
func (o *Orchestrator) cycleGuidance(name string) string {
	text, err := o.store.Read("PRACTICE.md")
	if err != nil {
		return ""
	}
	re := regexp.MustCompile(`(?ms)^# ` + regexp.QuoteMeta(name) + `$\n(.*?)(?:^# |\z)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
