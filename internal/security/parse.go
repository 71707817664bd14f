package security

import (
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// maxCommandLen bounds parser work; longer input is analyzed in degraded mode.
const maxCommandLen = 64 << 10

// call is one simple command found in the parsed input.
type call struct {
	program string
	args    []string
	dynamic bool // some word depends on expansion and could not be read literally
}

type parsedCommand struct {
	calls     []call
	redirects []redirect // writing redirections
	dynamic   bool
}

type redirect struct {
	target   string
	truncate bool // > >| &> replace the file; >> &>> append
}

// wrappers run another program named by their first operand.
var wrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nohup": true, "time": true,
	"nice": true, "ionice": true, "stdbuf": true, "timeout": true, "xargs": true,
	"command": true, "exec": true, "builtin": true,
}

func parseCommand(command string) (*parsedCommand, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}

	pc := &parsedCommand{}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			for _, r := range n.Redirs {
				switch r.Op {
				case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll:
					if r.Word == nil {
						continue
					}
					target, ok := literalWord(r.Word)
					if !ok {
						pc.dynamic = true
						continue
					}
					pc.redirects = append(pc.redirects, redirect{
						target:   target,
						truncate: r.Op != syntax.AppOut && r.Op != syntax.AppAll,
					})
				}
			}
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				return true
			}
			c := call{}
			words := make([]string, 0, len(n.Args))
			for _, w := range n.Args {
				s, ok := literalWord(w)
				if !ok {
					c.dynamic = true
					pc.dynamic = true
					// keep positions stable; an unreadable word is never a path
					s = ""
				}
				words = append(words, s)
			}
			c.program, c.args = unwrap(words)
			pc.calls = append(pc.calls, c)
		}
		return true
	})
	return pc, nil
}

// unwrap skips wrapper programs (and their flags) to find the real program.
func unwrap(words []string) (string, []string) {
	i := 0
	for i < len(words) {
		name := filepath.Base(words[i])
		if !wrappers[name] {
			break
		}
		i++
		for i < len(words) && (strings.HasPrefix(words[i], "-") || strings.Contains(words[i], "=")) {
			// sudo -u root, env FOO=bar, timeout -s KILL
			if (name == "sudo" || name == "doas") && (words[i] == "-u" || words[i] == "-g") {
				i++
			}
			i++
		}
		if name == "timeout" && i < len(words) {
			i++ // duration
		}
	}
	if i >= len(words) {
		return "", nil
	}
	return words[i], words[i+1:]
}

// literalWord returns the word's value when it contains no expansions.
func literalWord(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescape(p.Value))
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

// unescape drops backslash escapes from an unquoted literal, except for
// Windows drive paths which keep their separators.
func unescape(s string) string {
	if !strings.Contains(s, `\`) || winDrive.MatchString(s) {
		return s
	}
	var sb strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}

var (
	winDrive = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

	// fallbackPath finds path-like tokens when the input cannot be parsed.
	fallbackPath = regexp.MustCompile(`(?:^|\s)((?:~|\.{1,2})?/[^\s;&|<>'"]*|[A-Za-z]:\\[^\s;&|<>'"]*)`)
)

// fileCommands take file operands; skip is the number of leading operands
// that are not paths (mode, owner).
var fileCommands = map[string]int{
	"rm": 0, "rmdir": 0, "unlink": 0, "shred": 0, "mv": 0, "cp": 0,
	"touch": 0, "mkdir": 0, "truncate": 0, "ln": 0, "install": 0,
	"chmod": 1, "chown": 1, "chgrp": 1, "tee": 0, "dd": 0,
	"trash": 0, "trash-put": 0, "rmtrash": 0, "sed": 0,
	"del": 0, "erase": 0, "rd": 0, "move": 0, "copy": 0, "xcopy": 0, "ren": 0,
}

// builtins are resolved by the shell itself, not via PATH.
var builtins = map[string]bool{
	"cd": true, "echo": true, "printf": true, "pwd": true, "export": true,
	"set": true, "unset": true, "test": true, "[": true, "[[": true, "true": true,
	"false": true, ":": true, "source": true, ".": true, "alias": true, "read": true,
	"exit": true, "return": true, "shift": true, "trap": true, "wait": true,
	"eval": true, "type": true, "ulimit": true, "umask": true, "let": true,
	"local": true, "declare": true, "readonly": true, "kill": true, "jobs": true,
	"fg": true, "bg": true, "hash": true, "times": true, "getopts": true,
}

func isPathLike(s string) bool {
	if s == "" || strings.Contains(s, "://") {
		return false
	}
	if s == "~" || s == "." || s == ".." {
		return true
	}
	return strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "~/") ||
		strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") ||
		winDrive.MatchString(s)
}

// windowsCommands take /x switches instead of dash flags.
var windowsCommands = map[string]bool{
	"del": true, "erase": true, "rd": true, "move": true, "copy": true,
	"xcopy": true, "ren": true, "robocopy": true,
}

func isFlag(s string, windows bool) bool {
	if strings.HasPrefix(s, "-") && len(s) > 1 {
		return true
	}
	return windows && strings.HasPrefix(s, "/") && len(s) <= 3
}

// candidatePaths returns the raw path strings a call touches.
func (c call) candidatePaths() []string {
	var out []string
	prog := strings.ToLower(filepath.Base(c.program))
	skip, isFileCmd := fileCommands[prog]
	windows := windowsCommands[prog]
	if prog == "dd" {
		for _, a := range c.args {
			if v, ok := strings.CutPrefix(a, "of="); ok {
				out = append(out, v)
			}
		}
		return out
	}
	if prog == "sed" && !hasInPlace(c.args) {
		isFileCmd = false
	}

	operands := 0
	flagsDone := false
	for _, a := range c.args {
		if a == "" {
			continue
		}
		if !flagsDone && a == "--" {
			flagsDone = true
			continue
		}
		if !flagsDone && isFlag(a, windows) {
			continue
		}
		operands++
		switch {
		case isFileCmd && prog == "sed" && operands == 1:
			// the sed script
		case isFileCmd && operands > skip:
			out = append(out, a)
		case isPathLike(a):
			out = append(out, a)
		}
	}
	return out
}

func hasInPlace(args []string) bool {
	for _, a := range args {
		if a == "-i" || strings.HasPrefix(a, "-i") || a == "--in-place" {
			return true
		}
	}
	return false
}

// resolvePath makes p absolute against dir and home, or reports false for
// targets that are not files worth protecting.
func resolvePath(p, dir, home string) (string, bool) {
	if p == "" || strings.ContainsAny(p, "\x00") {
		return "", false
	}
	if winDrive.MatchString(p) {
		return p, true
	}
	switch {
	case p == "~":
		p = home
	case strings.HasPrefix(p, "~/"):
		p = filepath.Join(home, p[2:])
	case strings.HasPrefix(p, "$HOME/"):
		p = filepath.Join(home, p[len("$HOME/"):])
	case !filepath.IsAbs(p):
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	if strings.HasPrefix(p, "/dev/") || strings.HasPrefix(p, "/proc/") {
		return "", false
	}
	return p, true
}
