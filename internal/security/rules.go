package security

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"coreastra/internal/domain"

	"gopkg.in/yaml.v3"
)

// Rule is one indicator in the ranked classification table. Rules earlier in
// the table rank higher when two matches carry the same score.
type Rule struct {
	Name           string          `yaml:"name"`
	Class          string          `yaml:"class"`
	Pattern        string          `yaml:"pattern"`
	Score          int             `yaml:"score"`
	Category       string          `yaml:"category"`
	Actions        []domain.Action `yaml:"actions"`
	Destructive    bool            `yaml:"destructive"`
	Sudo           bool            `yaml:"sudo"`
	Warning        string          `yaml:"warning"`
	Recommendation string          `yaml:"recommendation"`
}

// RulesFile is the YAML schema of a user ruleset.
type RulesFile struct {
	// Mode is "extend" (default: user rules rank above the built-ins) or
	// "replace" (only user rules are used).
	Mode  string `yaml:"mode"`
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// LoadRules reads a YAML ruleset and merges it with the defaults.
// An empty path returns the default table.
func LoadRules(path string, logger *slog.Logger) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if logger != nil {
				logger.Debug("rules file does not exist, using defaults", "path", path)
			}
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	switch strings.ToLower(file.Mode) {
	case "", "extend":
		if logger != nil {
			logger.Info("loaded analyzer rules", "path", path, "mode", "extend", "rules", len(file.Rules))
		}
		return append(file.Rules, DefaultRules()...), nil
	case "replace":
		if len(file.Rules) == 0 {
			return nil, fmt.Errorf("rules file %s: replace mode requires at least one rule", path)
		}
		if logger != nil {
			logger.Info("loaded analyzer rules", "path", path, "mode", "replace", "rules", len(file.Rules))
		}
		return file.Rules, nil
	default:
		return nil, fmt.Errorf("rules file %s: unknown mode %q", path, file.Mode)
	}
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i+1)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Score < 0 || r.Score > 100 {
			return nil, fmt.Errorf("rule %q: score must be between 0 and 100", r.Name)
		}
		for _, a := range r.Actions {
			if !a.Valid() {
				return nil, fmt.Errorf("rule %q: unknown action %q", r.Name, a)
			}
		}
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if r.Category == "" {
			r.Category = "general"
		}
		compiled = append(compiled, compiledRule{Rule: r, re: re})
	}
	return compiled, nil
}

// Simple strings are converted to case-insensitive substring patterns.
func compilePattern(p string) (*regexp.Regexp, error) {
	if strings.TrimSpace(p) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var re *regexp.Regexp
	var err error
	if isRegex(p) {
		re, err = regexp.Compile(p)
	} else {
		re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
	}
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", p, err)
	}
	return re, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}

// rmArgs matches the argument run of an rm invocation up to the next command separator.
const rmArgs = `\brm\s+([^;&|\n]*\s)?`

// DefaultRules returns the built-in indicator table, highest rank first.
func DefaultRules() []Rule {
	return []Rule{
		// disk formatting
		{
			Name: "disk_format", Class: "disk formatting", Score: 95, Category: "disk", Destructive: true,
			Pattern: `(?i)\b(mkfs(\.[a-z0-9]+)?|fdisk|sfdisk|parted|wipefs|diskpart)\b|(?i)\bformat\s+[a-z]:`,
			Actions: []domain.Action{domain.ActionDelete, domain.ActionSystem},
			Warning: "Formats or repartitions a disk", Recommendation: "Verify the target device twice; data on it is lost",
		},
		{
			Name: "raw_device_write", Class: "disk formatting", Score: 90, Category: "disk", Destructive: true,
			Pattern: `\bdd\s+[^;&|\n]*\bif=|>\s*/dev/(sd|hd|vd|xvd|nvme|disk|mmcblk)`,
			Actions: []domain.Action{domain.ActionWrite, domain.ActionSystem},
			Warning: "Writes raw data to a block device",
		},

		// destructive deletion
		{
			Name: "delete_recursive", Class: "destructive deletion", Score: 25, Category: "filesystem", Destructive: true,
			Pattern: rmArgs + `(-[a-zA-Z]*[rR]|--recursive)`,
			Actions: []domain.Action{domain.ActionDelete},
			Warning: "Recursive delete removes whole directory trees",
		},
		{
			Name: "delete_force", Class: "destructive deletion", Score: 20, Category: "filesystem", Destructive: true,
			Pattern: rmArgs + `(-[a-zA-Z]*f|--force)`,
			Actions: []domain.Action{domain.ActionDelete},
			Warning: "Forced delete skips every prompt",
		},
		{
			Name: "delete_root_or_home", Class: "destructive deletion", Score: 30, Category: "filesystem", Destructive: true,
			Pattern: rmArgs + `(/|/\*|~|~/|\$HOME|/home|/etc|/usr|/var|/boot)(\s|$)`,
			Actions: []domain.Action{domain.ActionDelete},
			Warning: "Deletes a root, home or system directory",
		},
		{
			Name: "delete", Class: "destructive deletion", Score: 40, Category: "filesystem", Destructive: true,
			Pattern: `\b(rm|unlink|shred|rmdir)\s`,
			Actions: []domain.Action{domain.ActionDelete},
			Recommendation: "Consider moving files to the trash instead of deleting them",
		},
		{
			Name: "windows_delete", Class: "destructive deletion", Score: 80, Category: "filesystem", Destructive: true,
			Pattern: `(?i)\b(del|erase|rd|rmdir)\s+[^;&|\n]*/[sq]\b|(?i)\bremove-item\b[^;&|\n]*-recurse`,
			Actions: []domain.Action{domain.ActionDelete},
			Warning: "Recursive delete removes whole directory trees",
		},
		{
			Name: "find_delete", Class: "destructive deletion", Score: 60, Category: "filesystem", Destructive: true,
			Pattern: `\bfind\b[^;&|\n]*(\s-delete\b|-exec\s+rm\b)`,
			Actions: []domain.Action{domain.ActionDelete},
			Warning: "Deletes every file the search matches",
		},
		{
			Name: "git_discard", Class: "destructive deletion", Score: 60, Category: "vcs", Destructive: true,
			Pattern: `\bgit\s+(reset\s+[^;&|\n]*--hard|clean\s+-[a-zA-Z]*f|checkout\s+--\s)`,
			Actions: []domain.Action{domain.ActionDelete, domain.ActionModify},
			Warning: "Discards uncommitted work",
		},
		{
			Name: "registry_delete", Class: "destructive deletion", Score: 80, Category: "system", Destructive: true,
			Pattern: `(?i)\breg(\.exe)?\s+delete\b|(?i)\bregistry\s+delete\b`,
			Actions: []domain.Action{domain.ActionDelete, domain.ActionSystem},
			Warning: "Deletes Windows registry keys",
		},

		// system state
		{
			Name: "power_state", Class: "system power", Score: 85, Category: "system",
			Pattern: `(?i)\b(shutdown|reboot|halt|poweroff)\b|\binit\s+[06]\b`,
			Actions: []domain.Action{domain.ActionSystem},
			Warning: "Changes the power state of the machine",
		},
		{
			Name: "fork_bomb", Class: "system power", Score: 100, Category: "system",
			Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			Actions: []domain.Action{domain.ActionExecute, domain.ActionSystem},
			Warning: "Fork bomb exhausts process table",
		},

		// privilege escalation
		{
			Name: "privilege_escalation", Class: "privilege escalation", Score: 40, Category: "privilege", Sudo: true,
			Pattern: `(?i)\b(sudo|doas|su|runas|pkexec)\b`,
			Actions: []domain.Action{domain.ActionSystem},
			Warning: "Elevated privileges requested", Recommendation: "Run without elevated privileges if possible",
		},
		{
			Name: "account_change", Class: "privilege escalation", Score: 60, Category: "privilege",
			Pattern: `(?i)\b(useradd|userdel|usermod|groupadd|passwd|visudo)\b|(?i)\bnet\s+user\b`,
			Actions: []domain.Action{domain.ActionModify, domain.ActionSystem},
			Warning: "Modifies user accounts",
		},

		// permission and ownership changes
		{
			Name: "world_writable", Class: "permission change", Score: 80, Category: "permissions",
			Pattern: `\bchmod\s+([^;&|\n]*\s)?(0?777|a\+rwx|o\+w)\b`,
			Actions: []domain.Action{domain.ActionModify},
			Warning: "Makes files writable by everyone",
		},
		{
			Name: "ownership_change", Class: "permission change", Score: 45, Category: "permissions",
			Pattern: `\b(chown|chgrp)\s|(?i)\b(icacls|takeown|cacls)\b`,
			Actions: []domain.Action{domain.ActionModify},
			Warning: "Changes file ownership",
		},
		{
			Name: "recursive_permission", Class: "permission change", Score: 20, Category: "permissions",
			Pattern: `\b(chmod|chown|chgrp)\s+([^;&|\n]*\s)?-[a-zA-Z]*R`,
			Actions: []domain.Action{domain.ActionModify},
		},
		{
			Name: "permission_change", Class: "permission change", Score: 25, Category: "permissions",
			Pattern: `\bchmod\s`,
			Actions: []domain.Action{domain.ActionModify},
		},

		// network exfiltration
		{
			Name: "remote_script", Class: "network exfiltration", Score: 75, Category: "network",
			Pattern: `(?i)\b(curl|wget)\b[^;&\n]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`,
			Actions: []domain.Action{domain.ActionNetwork, domain.ActionExecute},
			Warning: "Pipes a downloaded script straight into a shell", Recommendation: "Download and inspect the script before running it",
		},
		{
			Name: "upload", Class: "network exfiltration", Score: 50, Category: "network",
			Pattern: `(?i)\bcurl\b[^;&|\n]*\s(-d|--data(-binary|-raw|-urlencode)?|-F|--form|-T|--upload-file)\b`,
			Actions: []domain.Action{domain.ActionNetwork, domain.ActionRead},
			Warning: "Sends local data to a remote host",
		},
		{
			Name: "raw_socket", Class: "network exfiltration", Score: 50, Category: "network",
			Pattern: `\b(nc|ncat|netcat|socat|telnet)\b`,
			Actions: []domain.Action{domain.ActionNetwork},
			Warning: "Opens a raw network connection",
		},
		{
			Name: "remote_copy", Class: "network exfiltration", Score: 40, Category: "network",
			Pattern: `\b(scp|sftp)\b|\brsync\b[^;&|\n]*\s\S+:`,
			Actions: []domain.Action{domain.ActionNetwork, domain.ActionCopy},
			Warning: "Copies files to or from a remote host",
		},
		{
			Name: "network_fetch", Class: "network exfiltration", Score: 20, Category: "network",
			Pattern: `(?i)\b(curl|wget|invoke-webrequest|iwr)\b`,
			Actions: []domain.Action{domain.ActionNetwork},
		},

		// firewall, services and scheduled jobs
		{
			Name: "firewall", Class: "system configuration", Score: 55, Category: "system",
			Pattern: `(?i)\b(iptables|ip6tables|nft|ufw|netsh|firewall-cmd)\b`,
			Actions: []domain.Action{domain.ActionNetwork, domain.ActionSystem},
			Warning: "Modifies firewall or network configuration",
		},
		{
			Name: "scheduler", Class: "system configuration", Score: 50, Category: "system",
			Pattern: `(?i)\b(crontab|schtasks)\b`,
			Actions: []domain.Action{domain.ActionSystem, domain.ActionModify},
			Warning: "Modifies scheduled tasks",
		},
		{
			Name: "service_control", Class: "system configuration", Score: 45, Category: "system",
			Pattern: `\b(systemctl|service|launchctl)\s+([^;&|\n]*\s)?(stop|disable|mask|unload|restart)\b`,
			Actions: []domain.Action{domain.ActionSystem},
			Warning: "Stops or restarts a system service",
		},

		// package installation
		{
			Name: "package_removal", Class: "package installation", Score: 45, Category: "package",
			Pattern: `\b(apt|apt-get|yum|dnf|zypper|brew|choco|winget)\s+(remove|purge|autoremove|uninstall)\b|\b(pip3?|npm)\s+uninstall\b`,
			Actions: []domain.Action{domain.ActionDelete, domain.ActionSystem},
			Warning: "Removes installed packages",
		},
		{
			Name: "package_install", Class: "package installation", Score: 35, Category: "package",
			Pattern: `\b(pip3?|pipx)\s+install\b|\bnpm\s+(i|install)\s+([^;&|\n]*\s)?(-g|--global)\b|\b(apt|apt-get|yum|dnf|zypper|apk|brew|choco|winget)\s+(install|add)\b|\bpacman\s+-S`,
			Actions: []domain.Action{domain.ActionNetwork, domain.ActionModify},
			Warning: "Installs software packages",
		},

		// process termination
		{
			Name: "mass_kill", Class: "process termination", Score: 55, Category: "process",
			Pattern: `\b(killall|pkill)\b|(?i)\btaskkill\b[^;&|\n]*/f\b`,
			Actions: []domain.Action{domain.ActionSystem},
			Warning: "Kills processes by name",
		},
		{
			Name: "force_kill", Class: "process termination", Score: 25, Category: "process",
			Pattern: `(?i)\bkill\s+(-9|-kill|-sigkill)\b`,
			Actions: []domain.Action{domain.ActionSystem},
			Warning: "Force kills processes",
		},
		{
			Name: "kill", Class: "process termination", Score: 30, Category: "process",
			Pattern: `\bkill\s`,
			Actions: []domain.Action{domain.ActionSystem},
		},

		// history rewriting
		{
			Name: "force_push", Class: "version control", Score: 45, Category: "vcs", Destructive: true,
			Pattern: `\bgit\s+push\b[^;&|\n]*\s(--force|-f|--force-with-lease)\b`,
			Actions: []domain.Action{domain.ActionNetwork, domain.ActionModify},
			Warning: "Force push rewrites remote history",
		},

		// ordinary file changes
		{
			Name: "in_place_edit", Class: "file modification", Score: 20, Category: "filesystem",
			Pattern: `\bsed\s+([^;&|\n]*\s)?-i|\bperl\s+-[a-zA-Z]*i`,
			Actions: []domain.Action{domain.ActionModify, domain.ActionWrite},
		},
		{
			Name: "truncate", Class: "file modification", Score: 45, Category: "filesystem", Destructive: true,
			Pattern: `\btruncate\s+[^;&|\n]*-s\s*0\b`,
			Actions: []domain.Action{domain.ActionWrite},
			Warning: "Truncates file contents",
		},
		{
			Name: "move", Class: "file modification", Score: 15, Category: "filesystem",
			Pattern: `(?i)\b(mv|move|ren|rename)\s`,
			Actions: []domain.Action{domain.ActionMove},
		},
		{
			Name: "copy", Class: "file modification", Score: 10, Category: "filesystem",
			Pattern: `(?i)\b(cp|copy|xcopy|robocopy)\s`,
			Actions: []domain.Action{domain.ActionCopy},
		},
		{
			Name: "create", Class: "file modification", Score: 10, Category: "filesystem",
			Pattern: `\b(mkdir|touch|md)\s`,
			Actions: []domain.Action{domain.ActionCreate},
		},
		{
			Name: "run_script", Class: "execution", Score: 15, Category: "execution",
			Pattern: `\b(bash|sh|zsh|python3?|node|perl|ruby|pwsh|powershell)\s+[^;&|\n]*\.(sh|py|js|pl|rb|ps1)\b|(^|[;&|]\s*)\./\S`,
			Actions: []domain.Action{domain.ActionExecute},
		},

		// soft delete
		{
			Name: "soft_delete", Class: "soft delete", Score: 15, Category: "filesystem",
			Pattern: `\b(trash|trash-put|rmtrash)\b|\bgio\s+trash\b`,
			Actions: []domain.Action{domain.ActionDelete},
		},

		// read-only inspection
		{
			Name: "inspection", Class: "read-only inspection", Score: 0, Category: "inspection",
			Pattern: `^\s*(ls|ll|dir|cat|less|more|head|tail|pwd|echo|whoami|id|date|uname|uptime|df|du|free|ps|top|env|printenv|which|type|stat|file|wc|grep|find|tree|hostname|git\s+(status|log|diff|show|branch))\b`,
			Actions: []domain.Action{domain.ActionRead},
		},
	}
}
