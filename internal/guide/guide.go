// Package guide defines the replicated stores of the guide recorder: a global
// library of saved guides and a per-page recording session.
package guide

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/store"
)

// Action names.
const (
	ActionIncrement      = "increment"
	ActionStartRecording = "startRecording"
	ActionTick           = "tick"
	ActionRecordStep     = "recordStep"
	ActionStopRecording  = "stopRecording"
	ActionSaveGuide      = "saveGuide"
	ActionRemoveGuide    = "removeGuide"
)

var (
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")
	ErrCountingDown     = errors.New("countdown still running")
)

// Step is one recorded interaction.
type Step struct {
	Selector string `json:"selector"`
	Event    string `json:"event"`
	Value    string `json:"value,omitempty"`
	// At is a unix millisecond timestamp taken by the recording tab.
	At int64 `json:"at"`
}

// Page is the per-page recording session.
type Page struct {
	Count     int    `json:"count"`
	Recording bool   `json:"recording"`
	GuideID   string `json:"guideId,omitempty"`
	Countdown int    `json:"countdown"`
	Steps     []Step `json:"steps"`
}

// Summary describes a saved guide.
type Summary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Steps int    `json:"steps"`
}

// Library is the global list of saved guides.
type Library struct {
	Guides []Summary `json:"guides"`
}

// NewGuideID returns a fresh guide id. Ids are generated by the dispatching
// tab and travel as action arguments so every replica stores the same value.
func NewGuideID() string {
	return uuid.NewString()
}

// PageStore defines the "page" scoped recording store.
func PageStore() *store.Definition[Page] {
	return store.Define("page", Page{Steps: []Step{}},
		map[string]store.Getter[Page]{
			"stepCount":   func(p Page) any { return len(p.Steps) },
			"isRecording": func(p Page) any { return p.Recording && p.Countdown == 0 },
		},
		map[string]store.ActionFunc[Page]{
			ActionIncrement: func(p *Page, _ protocol.Args) error {
				p.Count++
				return nil
			},
			ActionStartRecording: startRecording,
			ActionTick: func(p *Page, _ protocol.Args) error {
				if p.Countdown > 0 {
					p.Countdown--
				}
				return nil
			},
			ActionRecordStep: recordStep,
			ActionStopRecording: func(p *Page, _ protocol.Args) error {
				if !p.Recording {
					return ErrNotRecording
				}
				p.Recording = false
				p.Countdown = 0
				return nil
			},
		})
}

// args: guideId string, countdown int
func startRecording(p *Page, args protocol.Args) error {
	if p.Recording {
		return ErrAlreadyRecording
	}
	var id string
	if err := args.Decode(0, &id); err != nil {
		return fmt.Errorf("guide id: %w", err)
	}
	countdown := 0
	if args.Len() > 1 {
		if err := args.Decode(1, &countdown); err != nil {
			return fmt.Errorf("countdown: %w", err)
		}
	}
	if countdown < 0 {
		return fmt.Errorf("negative countdown %d", countdown)
	}
	p.Recording = true
	p.GuideID = id
	p.Countdown = countdown
	p.Steps = []Step{}
	return nil
}

func recordStep(p *Page, args protocol.Args) error {
	switch {
	case !p.Recording:
		return ErrNotRecording
	case p.Countdown > 0:
		return ErrCountingDown
	}
	var step Step
	if err := args.Decode(0, &step); err != nil {
		return fmt.Errorf("step: %w", err)
	}
	if step.Selector == "" {
		return errors.New("step without selector")
	}
	p.Steps = append(p.Steps, step)
	return nil
}

// LibraryStore defines the "global" guide library.
func LibraryStore() *store.Definition[Library] {
	return store.Define("global", Library{Guides: []Summary{}},
		map[string]store.Getter[Library]{
			"count": func(l Library) any { return len(l.Guides) },
		},
		map[string]store.ActionFunc[Library]{
			ActionSaveGuide: func(l *Library, args protocol.Args) error {
				var s Summary
				if err := args.Decode(0, &s); err != nil {
					return fmt.Errorf("summary: %w", err)
				}
				if s.ID == "" {
					return errors.New("guide without id")
				}
				_, i, found := lo.FindIndexOf(l.Guides, func(g Summary) bool { return g.ID == s.ID })
				if found {
					l.Guides[i] = s
				} else {
					l.Guides = append(l.Guides, s)
				}
				return nil
			},
			ActionRemoveGuide: func(l *Library, args protocol.Args) error {
				var id string
				if err := args.Decode(0, &id); err != nil {
					return fmt.Errorf("guide id: %w", err)
				}
				l.Guides = lo.Reject(l.Guides, func(g Summary, _ int) bool { return g.ID == id })
				return nil
			},
		})
}

// Specs returns the definitions a coordinator keeps replicas of.
func Specs() []store.Spec {
	return []store.Spec{LibraryStore(), PageStore()}
}
