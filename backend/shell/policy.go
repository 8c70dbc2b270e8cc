package shell

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// ErrBlockedCommand is wrapped by every ViolationError.
var ErrBlockedCommand = errors.New("command blocked")

// DefaultBlockedPatterns are rejected regardless of configuration.
var DefaultBlockedPatterns = []string{
	// rm of /, //, /., /*, ~, $HOME or ${HOME}
	`\brm\b[^;&|\n]*\s(?:/[/.*]*|~/?|\$HOME/?|\$\{HOME\}/?)(?:\s|$|[;&|)'"\x60])`,
	// fork bomb
	`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	`\b(?:shutdown|reboot|halt|poweroff)\b`,
	`\binit\s+[06]\b`,
	`\bmkfs(?:\.\w+)?\b`,
	`\bdd\b[^;&|\n]*\bof=/dev/(?:sd|hd|nvme|xvd|vd|disk|mmcblk)`,
	`>\s*/dev/(?:sd|hd|nvme|xvd|vd|disk|mmcblk)`,
	// recursive chmod/chown of /
	`\bch(?:mod|own)\b[^;&|\n]*\s-\w*R\w*\b[^;&|\n]*\s/[/.*]*(?:\s|$|[;&|)'"\x60])`,
}

// maxShellDepth bounds recursion into sh -c and eval payloads.
const maxShellDepth = 4

var (
	nestedShells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true}

	// prefixes that run the rest of the words as a command
	commandWrappers = map[string]bool{"env": true, "exec": true, "command": true, "nohup": true, "sudo": true, "time": true, "nice": true}

	funcDef = regexp.MustCompile(`([A-Za-z_:.][\w:.-]*)\s*\(\s*\)\s*\{([^}]*)\}`)
)

// ViolationError reports a command rejected by the policy before spawning.
type ViolationError struct {
	Command string
	Reason  string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrBlockedCommand, e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrBlockedCommand }

// Policy decides whether a command string may run. The blacklist always
// applies; the whitelist applies only when non-empty, to every segment of a
// chained or piped command.
type Policy struct {
	blocked []*regexp.Regexp
	allowed []string
}

// NewPolicy compiles the default blacklist plus extra patterns.
func NewPolicy(extraBlocked, allowedPrefixes []string) (*Policy, error) {
	p := &Policy{}
	for _, pat := range append(append([]string{}, DefaultBlockedPatterns...), extraBlocked...) {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", pat, err)
		}
		p.blocked = append(p.blocked, re)
	}
	for _, prefix := range allowedPrefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p.allowed = append(p.allowed, prefix)
		}
	}
	return p, nil
}

// Check returns a *ViolationError if command may not run. The blacklist is
// matched against the raw command, against each segment with quoting
// removed, and against the payloads of nested sh -c and eval invocations.
func (p *Policy) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return &ViolationError{Command: command, Reason: "empty command"}
	}
	if reason, ok := p.blockedReason(command, 0); ok {
		return &ViolationError{Command: command, Reason: reason}
	}
	if len(p.allowed) == 0 {
		return nil
	}

	if strings.Contains(command, "$(") || strings.Contains(command, "`") {
		return &ViolationError{Command: command, Reason: "command substitution is not allowed"}
	}
	for _, seg := range Segments(command) {
		if !p.allowedSegment(seg) {
			return &ViolationError{Command: command, Reason: fmt.Sprintf("%q is not in the allowed command list", seg)}
		}
	}
	return nil
}

func (p *Policy) blockedReason(command string, depth int) (string, bool) {
	if isForkBomb(command) {
		return "fork bomb", true
	}
	forms := []string{command}
	for _, seg := range Segments(command) {
		words := Words(seg)
		forms = append(forms, strings.Join(words, " "))
		if depth >= maxShellDepth {
			continue
		}
		for _, payload := range nestedPayloads(words) {
			if reason, ok := p.blockedReason(payload, depth+1); ok {
				return reason, true
			}
		}
	}
	for _, form := range forms {
		for _, re := range p.blocked {
			if re.MatchString(form) {
				return fmt.Sprintf("matches blocked pattern %q", re.String()), true
			}
		}
	}
	return "", false
}

// nestedPayloads returns the command strings a segment hands to another
// interpreter: the argument of sh -c (and friends) or the words after eval.
func nestedPayloads(words []string) []string {
	i := 0
	for i < len(words) && (commandWrappers[words[i]] || isAssignment(words[i]) || (i > 0 && strings.HasPrefix(words[i], "-"))) {
		i++
	}
	if i >= len(words) {
		return nil
	}
	if words[i] == "eval" {
		return []string{strings.Join(words[i+1:], " ")}
	}
	if !nestedShells[filepath.Base(words[i])] {
		return nil
	}
	for j := i + 1; j < len(words)-1; j++ {
		w := words[j]
		if !strings.HasPrefix(w, "-") || strings.HasPrefix(w, "--") {
			break
		}
		if strings.Contains(w, "c") {
			return []string{words[j+1]}
		}
	}
	return nil
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	return eq > 0 && !strings.HasPrefix(w, "-")
}

// isForkBomb reports a function that pipes into itself, whatever it is
// named.
func isForkBomb(command string) bool {
	for _, m := range funcDef.FindAllStringSubmatch(command, -1) {
		name, body := m[1], m[2]
		if !strings.Contains(body, "|") {
			continue
		}
		calls := 0
		for _, tok := range strings.FieldsFunc(body, func(r rune) bool {
			return unicode.IsSpace(r) || strings.ContainsRune("|&;", r)
		}) {
			if tok == name {
				calls++
			}
		}
		if calls >= 2 {
			return true
		}
	}
	return false
}

func (p *Policy) allowedSegment(seg string) bool {
	for _, prefix := range p.allowed {
		if seg == prefix || strings.HasPrefix(seg, prefix+" ") {
			return true
		}
	}
	return false
}

// Allowed returns the whitelist.
func (p *Policy) Allowed() []string {
	return append([]string(nil), p.allowed...)
}

// Segments splits a command on ;, &&, ||, |, & and newlines, returning the
// trimmed non-empty pieces. Quoting is honoured so separators inside quotes
// do not split.
func Segments(command string) []string {
	var (
		segs  []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segs = append(segs, s)
		}
		cur.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else if r == '\\' && quote == '"' && i+1 < len(runes) {
				cur.WriteRune(r)
				i++
				r = runes[i]
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '\\' && i+1 < len(runes):
			cur.WriteRune(r)
			i++
			cur.WriteRune(runes[i])
		case r == '&' && ((i > 0 && runes[i-1] == '>') || (i+1 < len(runes) && runes[i+1] == '>')):
			// 2>&1, &>file
			cur.WriteRune(r)
		case r == ';' || r == '\n' || r == '|' || r == '&':
			flush()
			// swallow the second half of && and ||
			if (r == '|' || r == '&') && i+1 < len(runes) && runes[i+1] == r {
				i++
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return segs
}

// Words splits one segment into shell words, removing quotes and
// backslash escapes the way the shell would.
func Words(segment string) []string {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
		quote  rune
	)
	runes := []rune(segment)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch {
			case r == '"':
				quote = 0
			case r == '\\' && i+1 < len(runes) && strings.ContainsRune("\"\\$`", runes[i+1]):
				i++
				cur.WriteRune(runes[i])
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
