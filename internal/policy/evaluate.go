package policy

import (
	"log/slog"
	"regexp"
	"strings"
)

// DropReason names the first predicate that suppressed an event.
type DropReason string

const (
	DropKillSwitch      DropReason = "killSwitch"
	DropPauseCapture    DropReason = "pauseCapture"
	DropExcludedApp     DropReason = "excludedApp"
	DropExcludedPattern DropReason = "excludedPattern"
	DropThrottled       DropReason = "throttled"
)

// evaluator is the compiled form of a policy's exclusion chain. Compiled
// once per Set so the per-tick check does no parsing.
type evaluator struct {
	killSwitch   bool
	pauseCapture bool
	apps         map[string]struct{}
	exePaths     map[string]struct{}
	patterns     []*regexp.Regexp
}

func compile(p Policy) *evaluator {
	e := &evaluator{
		killSwitch:   p.KillSwitch,
		pauseCapture: p.PauseCapture,
		apps:         make(map[string]struct{}, len(p.ExcludeApps)),
		exePaths:     make(map[string]struct{}, len(p.ExcludeExePaths)),
	}
	for _, a := range p.ExcludeApps {
		e.apps[a] = struct{}{}
	}
	for _, ep := range p.ExcludeExePaths {
		e.exePaths[strings.ToLower(ep)] = struct{}{}
	}
	for _, pat := range p.ExcludePatterns {
		re, err := compileGlob(pat)
		if err != nil {
			slog.Warn("ignoring invalid exclude pattern", "pattern", pat, "error", err)
			continue
		}
		e.patterns = append(e.patterns, re)
	}
	return e
}

// check returns the drop reason for the first matching predicate, in the
// fixed order killSwitch, pauseCapture, excluded app/exe, excluded pattern.
// exePath is empty on platforms whose sampler does not resolve it.
func (e *evaluator) check(app, title, exePath string) (DropReason, bool) {
	if e.killSwitch {
		return DropKillSwitch, true
	}
	if e.pauseCapture {
		return DropPauseCapture, true
	}
	if _, ok := e.apps[app]; ok {
		return DropExcludedApp, true
	}
	if exePath != "" {
		if _, ok := e.exePaths[strings.ToLower(exePath)]; ok {
			return DropExcludedApp, true
		}
	}
	for _, re := range e.patterns {
		if re.MatchString(title) {
			return DropExcludedPattern, true
		}
	}
	return "", false
}

// compileGlob turns a title glob ('*' and '?' wildcards) into an anchored
// regexp. Titles may contain path separators, so filepath.Match semantics
// would be wrong here.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
