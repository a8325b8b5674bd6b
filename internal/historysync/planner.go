// Package historysync decides which turns of a transcript are sent to a
// client in one history message.
//
// The planner walks newest to oldest, clips each turn to a fixed ceiling
// and stops at the first turn that would overflow the byte budget. The
// ceiling does not depend on how many turns exist, so long conversations
// keep their recent turns intact.
package historysync

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

const (
	DefaultTurnCeiling       = 20 << 10
	DefaultOverhead          = 1 << 10
	DefaultSeparatorBytes    = 1
	DefaultByteBudget        = 100 << 10
	truncationMarkerTemplate = "\n[truncated: %d bytes omitted]"
)

type Planner struct {
	// TurnCeiling is the maximum number of text bytes kept per turn.
	TurnCeiling int
	// Overhead is reserved for the envelope around the turns array.
	// ForSession replaces it with the measured envelope.
	Overhead  int
	Separator int
}

type Result struct {
	Included []session.Turn
	OldestID string
	NewestID string
	Complete bool
}

func NewPlanner() Planner {
	return Planner{
		TurnCeiling: DefaultTurnCeiling,
		Overhead:    DefaultOverhead,
		Separator:   DefaultSeparatorBytes,
	}
}

// ForSession returns a copy of p whose Overhead is the encoded envelope of
// a history message for sessionID over turns.
func (p Planner) ForSession(sessionID string, turns []session.Turn) Planner {
	p.Overhead = EnvelopeSize(sessionID, turns)
	return p
}

// Plan selects the newest turns after sinceID that fit in budget bytes and
// returns them in chronological order. turns must already be in transcript
// order. An unknown sinceID is treated as absent.
func (p Planner) Plan(turns []session.Turn, sinceID string, budget int) Result {
	candidates := turns
	if sinceID != "" {
		for i, turn := range turns {
			if turn.ID == sinceID {
				candidates = turns[i+1:]
				break
			}
		}
	}

	if len(candidates) == 0 {
		return Result{Included: []session.Turn{}, Complete: true}
	}

	used := p.Overhead
	picked := make([]session.Turn, 0, len(candidates))
	complete := true
	for i := len(candidates) - 1; i >= 0; i-- {
		turn := candidates[i]
		turn.Text = p.clip(turn.Text)

		size := WireSize(turn) + p.Separator
		if used+size > budget {
			complete = false
			break
		}
		used += size
		picked = append(picked, turn)
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}

	result := Result{Included: picked, Complete: complete}
	if len(picked) > 0 {
		result.OldestID = picked[0].ID
		result.NewestID = picked[len(picked)-1].ID
	}
	return result
}

func (p Planner) clip(text string) string {
	ceiling := p.TurnCeiling
	if ceiling <= 0 || len(text) <= ceiling {
		return text
	}
	cut := ceiling
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + fmt.Sprintf(truncationMarkerTemplate, len(text)-cut)
}

// EnvelopeSize is the encoded size of a history message with an empty turns
// array. Both boundary ids are sized as the longest turn id.
func EnvelopeSize(sessionID string, turns []session.Turn) int {
	longest := ""
	for _, turn := range turns {
		if len(turn.ID) > len(longest) {
			longest = turn.ID
		}
	}
	data, err := json.Marshal(protocol.History{
		Type:         protocol.TypeHistory,
		SessionID:    sessionID,
		Turns:        []protocol.TurnView{},
		TotalCount:   len(turns),
		OldestTurnID: &longest,
		NewestTurnID: &longest,
	})
	if err != nil {
		return DefaultOverhead
	}
	return len(data)
}

// WireSize is the encoded size of a turn as it appears in a history message.
func WireSize(turn session.Turn) int {
	data, err := json.Marshal(protocol.TurnFromSession(turn))
	if err != nil {
		return len(turn.Text)
	}
	return len(data)
}
