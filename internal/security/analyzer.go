package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"coreastra/internal/config"
	"coreastra/internal/domain"
)

const (
	baseScore    = 10
	maxScore     = 100
	baseCategory = "general"

	redirectScore  = 20
	overwriteScore = 30
)

// Analyzer classifies raw command strings. It never executes anything and
// is safe for concurrent use. Its output depends on the command, the ruleset,
// the base directory and whether redirect targets already exist.
type Analyzer struct {
	rules      []compiledRule
	thresholds config.Thresholds
	baseDir    string
	homeDir    string
	logger     *slog.Logger
}

// NewAnalyzer builds an analyzer from the configured ruleset. Relative paths
// in commands resolve against baseDir (the process working directory when empty).
func NewAnalyzer(cfg config.AnalyzerConfig, baseDir string, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := LoadRules(cfg.RulesFile, logger)
	if err != nil {
		return nil, err
	}
	return NewAnalyzerWithRules(rules, cfg.Thresholds, baseDir, logger)
}

func NewAnalyzerWithRules(rules []Rule, thresholds config.Thresholds, baseDir string, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, fmt.Errorf("invalid analyzer rule: %w", err)
	}
	if baseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			baseDir = wd
		} else {
			baseDir = string(filepath.Separator)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = baseDir
	}
	return &Analyzer{
		rules:      compiled,
		thresholds: thresholds,
		baseDir:    filepath.Clean(baseDir),
		homeDir:    home,
		logger:     logger,
	}, nil
}

// Analyze classifies command relative to the analyzer's base directory.
func (a *Analyzer) Analyze(command string) domain.CommandAnalysis {
	return a.AnalyzeIn(command, "")
}

// AnalyzeIn classifies command as if run from dir.
func (a *Analyzer) AnalyzeIn(command, dir string) domain.CommandAnalysis {
	if dir == "" {
		dir = a.baseDir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(a.baseDir, dir)
	}

	cmd := strings.TrimSpace(command)
	result := domain.CommandAnalysis{
		Command:         command,
		Actions:         domain.NewActionSet(),
		AffectedPaths:   []string{},
		Reversible:      true,
		Warnings:        []string{},
		Recommendations: []string{},
	}

	if cmd == "" {
		result.Degraded = true
		result.RiskScore = a.thresholds.Medium
		result.RiskLevel = domain.RiskMedium
		result.Category = baseCategory
		result.Warnings = append(result.Warnings, "Empty command; nothing to analyze")
		result.RequiresConfirmation = domain.NeedsConfirmation(result.RiskLevel, result.Reversible)
		return result
	}

	score, matched := a.match(cmd, &result)

	var parsed *parsedCommand
	if len(cmd) > maxCommandLen {
		result.Degraded = true
		result.Warnings = append(result.Warnings, "Command too long to parse; classification is a conservative guess")
	} else if pc, err := parseCommand(cmd); err != nil {
		result.Degraded = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("Could not parse command (%v); classification is a conservative guess", err))
	} else {
		parsed = pc
	}

	if parsed != nil {
		// redirections into real files count as writes
		redirected, overwritten := a.collectParsed(parsed, dir, &result)
		if redirected > 0 {
			matched = true
			score += redirectScore
			result.Actions.Add(domain.ActionWrite)
			result.MatchedRules = append(result.MatchedRules, "file_redirect")
			if result.Category == "" || result.Category == "inspection" {
				result.Category = "filesystem"
			}
		}
		// truncating an existing file loses its contents
		if overwritten > 0 {
			score += overwriteScore
			result.Reversible = false
			result.MatchedRules = append(result.MatchedRules, "file_overwrite")
			result.Warnings = appendUnique(result.Warnings, "Redirection truncates an existing file")
		}
		if parsed.dynamic {
			result.Warnings = append(result.Warnings, "Command uses shell expansion; affected paths may be incomplete")
		}
	} else {
		result.AffectedPaths = a.fallbackPaths(cmd, dir)
	}
	if result.Degraded {
		a.logger.Debug("command analysis degraded", "command", cmd)
	}

	if !matched {
		score = baseScore
		result.Category = baseCategory
		result.Actions.Add(domain.ActionExecute)
	}
	if score > maxScore {
		score = maxScore
	}
	result.RiskScore = score
	result.RiskLevel = a.level(score)
	if result.Degraded && !result.RiskLevel.AtLeast(domain.RiskMedium) {
		result.RiskLevel = domain.RiskMedium
		if result.RiskScore < a.thresholds.Medium {
			result.RiskScore = a.thresholds.Medium
		}
	}

	if !result.Reversible {
		result.Recommendations = appendUnique(result.Recommendations, "Create a backup of the affected paths before running")
	}
	if result.RiskLevel == domain.RiskCritical {
		result.Recommendations = appendUnique(result.Recommendations, "Double-check the target paths; this command can cause irreversible damage")
	}
	result.RequiresConfirmation = domain.NeedsConfirmation(result.RiskLevel, result.Reversible)
	return result
}

// match applies the rule table. Category comes from the highest-scoring
// rule, earlier rules winning ties.
func (a *Analyzer) match(cmd string, result *domain.CommandAnalysis) (int, bool) {
	score := 0
	best := -1
	matched := false
	for _, r := range a.rules {
		if !r.re.MatchString(cmd) {
			continue
		}
		matched = true
		score += r.Score
		result.MatchedRules = append(result.MatchedRules, r.Name)
		result.Actions.Add(r.Actions...)
		if r.Score > best {
			best = r.Score
			result.Category = r.Category
		}
		if r.Destructive {
			result.Reversible = false
		}
		if r.Sudo {
			result.RequiresSudo = true
		}
		if r.Warning != "" {
			result.Warnings = appendUnique(result.Warnings, r.Warning)
		}
		if r.Recommendation != "" {
			result.Recommendations = appendUnique(result.Recommendations, r.Recommendation)
		}
	}
	return score, matched
}

// collectParsed fills paths and programs and returns the number of
// redirections into files, and how many of those truncate an existing
// regular file.
func (a *Analyzer) collectParsed(pc *parsedCommand, dir string, result *domain.CommandAnalysis) (redirected, overwritten int) {
	seen := make(map[string]bool)
	add := func(raw, dir string) bool {
		p, ok := resolvePath(raw, dir, a.homeDir)
		if !ok {
			return false
		}
		if !seen[p] {
			seen[p] = true
			result.AffectedPaths = append(result.AffectedPaths, p)
		}
		return true
	}

	var programs []string
	for _, c := range pc.calls {
		if c.program == "" {
			continue
		}
		name := filepath.Base(c.program)
		if name == "cd" && len(c.args) == 1 && c.args[0] != "" {
			if next, ok := resolvePath(c.args[0], dir, a.homeDir); ok {
				dir = next
			}
			continue
		}
		if !builtins[name] && !containsString(programs, c.program) {
			programs = append(programs, c.program)
		}
		for _, raw := range c.candidatePaths() {
			add(raw, dir)
		}
	}
	for _, r := range pc.redirects {
		if !add(r.target, dir) {
			continue
		}
		redirected++
		if !r.truncate {
			continue
		}
		if p, ok := resolvePath(r.target, dir, a.homeDir); ok {
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
				overwritten++
			}
		}
	}
	result.Programs = programs
	return redirected, overwritten
}

func (a *Analyzer) fallbackPaths(cmd, dir string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, m := range fallbackPath.FindAllStringSubmatch(cmd, -1) {
		p, ok := resolvePath(m[1], dir, a.homeDir)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (a *Analyzer) level(score int) domain.RiskLevel {
	t := a.thresholds
	switch {
	case score >= t.Critical:
		return domain.RiskCritical
	case score >= t.High:
		return domain.RiskHigh
	case score >= t.Medium:
		return domain.RiskMedium
	case score >= t.Low:
		return domain.RiskLow
	}
	return domain.RiskSafe
}

func appendUnique(list []string, s string) []string {
	if containsString(list, s) {
		return list
	}
	return append(list, s)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
