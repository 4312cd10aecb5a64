// Package pack assembles token-budgeted context packs from project
// state, artifacts, and recent chunks.
package pack

import (
	"errors"
	"fmt"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/storage"
)

// Caller-input errors, surfaced with exit code 1.
var (
	ErrInvalidBudget = errors.New("invalid budget")
	ErrInvalidMode   = errors.New("invalid mode")
	ErrInvalidFormat = errors.New("invalid format")
)

// Mode selects the budget allocation strategy.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeDebug   Mode = "debug"
	ModeBuild   Mode = "build"
	ModeExplore Mode = "explore"
)

// Format selects the output renderer.
type Format string

const (
	FormatXML      Format = "xml"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeDebug, ModeBuild, ModeExplore:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ParseFormat validates a format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatXML, FormatJSON, FormatMarkdown:
		return Format(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// Profile is the fraction of the budget granted to each weighted
// section. Constraints ride along with the state and are never weighted;
// the instructions footer is constant.
type Profile struct {
	ProjectState  float64 `json:"project_state"`
	Decisions     float64 `json:"decisions"`
	ActiveTasks   float64 `json:"active_tasks"`
	Plans         float64 `json:"plans"`
	RecentContext float64 `json:"recent_context"`
}

var defaultProfiles = map[Mode]Profile{
	ModeAuto:    {ProjectState: 0.15, Decisions: 0.15, ActiveTasks: 0.15, Plans: 0.15, RecentContext: 0.40},
	ModeDebug:   {ProjectState: 0.10, Decisions: 0.05, ActiveTasks: 0.05, Plans: 0.05, RecentContext: 0.75},
	ModeBuild:   {ProjectState: 0.15, Decisions: 0.20, ActiveTasks: 0.20, Plans: 0.20, RecentContext: 0.25},
	ModeExplore: {ProjectState: 0.25, Decisions: 0.15, ActiveTasks: 0.05, Plans: 0.15, RecentContext: 0.40},
}

// episodeModes maps the latest session's episode onto a concrete mode
// for auto inference.
var episodeModes = map[episode.Type]Mode{
	episode.Debug:    ModeDebug,
	episode.Build:    ModeBuild,
	episode.Refactor: ModeBuild,
	episode.Test:     ModeBuild,
	episode.Config:   ModeBuild,
	episode.Deploy:   ModeBuild,
	episode.Explore:  ModeExplore,
	episode.Docs:     ModeExplore,
	episode.Review:   ModeExplore,
}

// ResolveProfile merges config.json pack_modes overrides over the
// built-in profile for mode, then normalizes the fractions to sum to 1.
func ResolveProfile(cfg storage.Config, mode Mode) Profile {
	p := defaultProfiles[mode]
	if overrides, ok := cfg.PackModes[string(mode)]; ok {
		if v, ok := overrides["project_state"]; ok {
			p.ProjectState = v
		}
		if v, ok := overrides["decisions"]; ok {
			p.Decisions = v
		}
		if v, ok := overrides["active_tasks"]; ok {
			p.ActiveTasks = v
		}
		if v, ok := overrides["plans"]; ok {
			p.Plans = v
		}
		if v, ok := overrides["recent_context"]; ok {
			p.RecentContext = v
		}
	}
	return p.normalized()
}

func (p Profile) normalized() Profile {
	total := p.ProjectState + p.Decisions + p.ActiveTasks + p.Plans + p.RecentContext
	if total <= 0 {
		return defaultProfiles[ModeAuto]
	}
	return Profile{
		ProjectState:  p.ProjectState / total,
		Decisions:     p.Decisions / total,
		ActiveTasks:   p.ActiveTasks / total,
		Plans:         p.Plans / total,
		RecentContext: p.RecentContext / total,
	}
}

// InferMode resolves auto to a concrete mode from the latest session's
// episode; it stays auto when there are no sessions or no mapping.
func InferMode(st *storage.Store) Mode {
	metas, err := st.ListSessions()
	if err != nil || len(metas) == 0 {
		return ModeAuto
	}
	latest := metas[0]
	chunks, err := st.ReadChunks(latest.ID)
	if err != nil {
		return ModeAuto
	}
	if mode, ok := episodeModes[episode.Classify(latest, chunks)]; ok {
		return mode
	}
	return ModeAuto
}
