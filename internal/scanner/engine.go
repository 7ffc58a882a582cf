package scanner

import (
	"errors"
	"fmt"
)

// ErrNoRules is returned by Engine.Compile when the rule directory exists but
// contains no rule files (or does not exist at all). The scanner degrades to
// an empty ruleset rather than failing.
var ErrNoRules = errors.New("no rule files found")

// CompileError wraps a rule-compilation failure. It marks the error as a
// degrade condition rather than a startup fault: a broken rule set must not
// block all uploads.
type CompileError struct {
	File string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile rules %s: %v", e.File, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// MatchString is one matched string occurrence within scanned content.
type MatchString struct {
	Offset     int64  `json:"offset"`
	Identifier string `json:"identifier"`
	Data       []byte `json:"data"`
}

// Match is one rule that fired against scanned content.
type Match struct {
	Rule    string            `json:"rule"`
	Tags    []string          `json:"tags,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	Strings []MatchString     `json:"strings,omitempty"`
}

// Severity returns the match's declared severity meta, or "" when absent.
func (m Match) Severity() string {
	return m.Meta["severity"]
}

// RuleInfo describes one compiled rule without requiring a sample to match.
type RuleInfo struct {
	Identifier string            `json:"identifier"`
	Tags       []string          `json:"tags,omitempty"`
	Severity   string            `json:"severity,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Ruleset is a compiled, immutable rule artifact. Safe for concurrent use.
type Ruleset interface {
	ScanMem(data []byte) ([]Match, error)
	ScanFile(path string) ([]Match, error)
	Rules() []RuleInfo
}

// Engine compiles a directory of rule files into a Ruleset. Returns
// ErrNoRules when nothing is there to compile, a *CompileError for broken
// rules, and any other error for faults that should fail startup (e.g. an
// unreadable directory).
type Engine interface {
	Compile(rulesDir string) (Ruleset, error)
}
