package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskSafe:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank returns the ordinal of the level; unknown levels rank as medium.
func (l RiskLevel) Rank() int {
	if r, ok := riskOrder[l]; ok {
		return r
	}
	return riskOrder[RiskMedium]
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Rank() >= other.Rank()
}

func (l RiskLevel) Valid() bool {
	_, ok := riskOrder[l]
	return ok
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// Action is a kind of effect a command may have.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionCreate  Action = "create"
	ActionCopy    Action = "copy"
	ActionMove    Action = "move"
	ActionExecute Action = "execute"
	ActionModify  Action = "modify"
	ActionNetwork Action = "network"
	ActionSystem  Action = "system"
)

var actionOrder = []Action{
	ActionRead, ActionWrite, ActionDelete, ActionCreate, ActionCopy,
	ActionMove, ActionExecute, ActionModify, ActionNetwork, ActionSystem,
}

func (a Action) Valid() bool {
	for _, known := range actionOrder {
		if a == known {
			return true
		}
	}
	return false
}

// ActionSet is an unordered set of actions. It serializes as a JSON array in
// a fixed canonical order so equal sets always encode identically.
type ActionSet map[Action]struct{}

func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}

func (s ActionSet) Add(actions ...Action) {
	for _, a := range actions {
		s[a] = struct{}{}
	}
}

func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// List returns the members in canonical order.
func (s ActionSet) List() []Action {
	out := make([]Action, 0, len(s))
	for _, a := range actionOrder {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	var extra []Action
	for a := range s {
		if !a.Valid() {
			extra = append(extra, a)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var list []Action
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewActionSet(list...)
	return nil
}

// CommandAnalysis is the risk classification of one command string.
// It is produced fresh for every submission and never mutated afterwards.
type CommandAnalysis struct {
	Command              string    `json:"command"`
	RiskLevel            RiskLevel `json:"risk_level"`
	RiskScore            int       `json:"risk_score"`
	Category             string    `json:"category"`
	Actions              ActionSet `json:"actions"`
	AffectedPaths        []string  `json:"affected_paths"`
	Reversible           bool      `json:"reversible"`
	RequiresSudo         bool      `json:"requires_sudo"`
	Warnings             []string  `json:"warnings"`
	Recommendations      []string  `json:"recommendations"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	MatchedRules         []string  `json:"matched_rules,omitempty"`
	Programs             []string  `json:"programs,omitempty"`
	Degraded             bool      `json:"degraded,omitempty"`
}

// NeedsConfirmation derives requires_confirmation from level and reversibility.
func NeedsConfirmation(level RiskLevel, reversible bool) bool {
	return level.AtLeast(RiskHigh) || !reversible
}

// Risky reports whether the analysis is above the low band.
func (a CommandAnalysis) Risky() bool {
	return a.RiskLevel.AtLeast(RiskMedium)
}
