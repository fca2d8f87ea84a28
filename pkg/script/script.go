// Package script defines the fixed phase sequence of a guided session and the
// per-phase generation instructions that drive it.
package script

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Phase is one stage of the fixed, ordered session script.
type Phase string

const (
	PhaseIntroduction Phase = "introduction"
	PhaseRegulation   Phase = "regulation"
	PhaseDeepening    Phase = "deepening"
	PhaseRelease      Phase = "release"
	PhaseClosing      Phase = "closing"
)

// Phases is the canonical order. Transitions are strictly forward; the last
// phase is terminal.
var Phases = []Phase{
	PhaseIntroduction,
	PhaseRegulation,
	PhaseDeepening,
	PhaseRelease,
	PhaseClosing,
}

// Next returns the phase following p. ok is false when p is terminal or
// unknown.
func Next(p Phase) (next Phase, ok bool) {
	idx := IndexOf(p)
	if idx < 0 || idx >= len(Phases)-1 {
		return "", false
	}
	return Phases[idx+1], true
}

// IsTerminal reports whether p is the last phase in the script.
func IsTerminal(p Phase) bool {
	return p == Phases[len(Phases)-1]
}

// IndexOf returns the zero-based ordinal of p, or -1 for an unknown phase.
func IndexOf(p Phase) int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p names a phase in the script.
func Valid(p Phase) bool {
	return IndexOf(p) >= 0
}

// PhaseSpec carries everything generation needs for one phase.
type PhaseSpec struct {
	Instructions string  `yaml:"instructions"`
	WindDownHint string  `yaml:"wind_down_hint"`
	Proportion   float64 `yaml:"proportion"`
}

// Script maps each phase to its generation spec. The proportions of a valid
// script sum to 1.0 within rounding tolerance.
type Script struct {
	Voice  string              `yaml:"voice"`
	Phases map[Phase]PhaseSpec `yaml:"phases"`
}

// Default returns the built-in session script.
func Default() Script {
	return Script{
		Voice: "calm_female_1",
		Phases: map[Phase]PhaseSpec{
			PhaseIntroduction: {
				Instructions: "Welcome the listener warmly. Invite them to settle into a comfortable position and let the outside world soften. Speak slowly, in short plain sentences.",
				WindDownHint:  "Begin gently guiding attention toward the breath, without announcing a change of topic.",
				Proportion:    0.12,
			},
			PhaseRegulation: {
				Instructions: "Guide slow, even breathing. Count inhales and exhales occasionally. Keep every sentence short and concrete.",
				WindDownHint:  "Let the breathing guidance become quieter and more spacious, preparing for deeper rest.",
				Proportion:    0.18,
			},
			PhaseDeepening: {
				Instructions: "Lead a slow body scan from head to toe. Name one area at a time and invite it to soften. Long pauses are implied by short sentences.",
				WindDownHint:  "Begin letting the body scan dissolve into stillness, without signalling that anything is finishing.",
				Proportion:    0.30,
			},
			PhaseRelease: {
				Instructions: "Invite the listener to notice tension they are still holding and let each exhale carry a little of it away. Imagery should be gentle and unhurried.",
				WindDownHint:  "Gradually widen attention from the body back toward the room, still without any closing language.",
				Proportion:    0.22,
			},
			PhaseClosing: {
				Instructions: "Bring the listener gently back. Acknowledge the time they took for themselves. It is now appropriate to speak toward an ending.",
				WindDownHint:  "Offer a final grounding sentence or two and come to a natural close.",
				Proportion:    0.18,
			},
		},
	}
}

// LoadFile reads a YAML script file and overlays it on the default script.
// Phases absent from the file keep their defaults; unknown phase names are an
// error. An empty path returns the default script.
func LoadFile(path string) (Script, error) {
	s := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script file %q: %w", path, err)
	}
	var file Script
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Script{}, fmt.Errorf("parse script file %q: %w", path, err)
	}
	if strings.TrimSpace(file.Voice) != "" {
		s.Voice = file.Voice
	}
	for p, spec := range file.Phases {
		if !Valid(p) {
			return Script{}, fmt.Errorf("script file %q: unknown phase %q", path, p)
		}
		base := s.Phases[p]
		if strings.TrimSpace(spec.Instructions) != "" {
			base.Instructions = spec.Instructions
		}
		if strings.TrimSpace(spec.WindDownHint) != "" {
			base.WindDownHint = spec.WindDownHint
		}
		if spec.Proportion > 0 {
			base.Proportion = spec.Proportion
		}
		s.Phases[p] = base
	}
	if err := s.Validate(); err != nil {
		return Script{}, fmt.Errorf("script file %q: %w", path, err)
	}
	return s, nil
}

// WithFocus returns a copy of the script whose phase instructions carry the
// listener's stated focus, for example "sleep" or "stress before a talk".
func (s Script) WithFocus(focus string) Script {
	focus = strings.TrimSpace(focus)
	if focus == "" {
		return s
	}
	out := Script{Voice: s.Voice, Phases: make(map[Phase]PhaseSpec, len(s.Phases))}
	for p, spec := range s.Phases {
		spec.Instructions = spec.Instructions + "\nThe listener's focus for this session: " + focus + "."
		out.Phases[p] = spec
	}
	return out
}

// Validate checks that every phase is present and the proportions sum to 1.0
// within a small tolerance.
func (s Script) Validate() error {
	var sum float64
	for _, p := range Phases {
		spec, ok := s.Phases[p]
		if !ok {
			return fmt.Errorf("missing phase %q", p)
		}
		if strings.TrimSpace(spec.Instructions) == "" {
			return fmt.Errorf("phase %q has no instructions", p)
		}
		if spec.Proportion <= 0 {
			return fmt.Errorf("phase %q proportion must be > 0", p)
		}
		sum += spec.Proportion
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("phase proportions sum to %.4f, want 1.0", sum)
	}
	return nil
}
