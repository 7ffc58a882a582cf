package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hillu/go-yara/v4"
)

// YaraEngine compiles .yar and .yara files with the libyara bindings.
type YaraEngine struct {
	scanTimeout time.Duration
}

func NewYaraEngine(scanTimeout time.Duration) *YaraEngine {
	return &YaraEngine{scanTimeout: scanTimeout}
}

func (e *YaraEngine) Compile(rulesDir string) (Ruleset, error) {
	entries, err := os.ReadDir(rulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRules
		}
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yar", ".yara":
			files = append(files, filepath.Join(rulesDir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, ErrNoRules
	}
	sort.Strings(files)

	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("create compiler: %w", err)
	}
	defer compiler.Destroy()

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open rule file %s: %w", path, err)
		}
		err = compiler.AddFile(f, "")
		f.Close()
		if err != nil {
			return nil, &CompileError{File: path, Err: err}
		}
	}

	rules, err := compiler.GetRules()
	if err != nil {
		return nil, &CompileError{File: rulesDir, Err: err}
	}
	return &yaraRuleset{rules: rules, timeout: e.scanTimeout}, nil
}

type yaraRuleset struct {
	rules   *yara.Rules
	timeout time.Duration
}

func (rs *yaraRuleset) ScanMem(data []byte) ([]Match, error) {
	var hits yara.MatchRules
	if err := rs.rules.ScanMem(data, 0, rs.timeout, &hits); err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	return convertMatches(hits), nil
}

func (rs *yaraRuleset) ScanFile(path string) ([]Match, error) {
	var hits yara.MatchRules
	if err := rs.rules.ScanFile(path, 0, rs.timeout, &hits); err != nil {
		return nil, fmt.Errorf("scan file %s: %w", path, err)
	}
	return convertMatches(hits), nil
}

func (rs *yaraRuleset) Rules() []RuleInfo {
	compiled := rs.rules.GetRules()
	infos := make([]RuleInfo, 0, len(compiled))
	for _, r := range compiled {
		meta := metaMap(r.Metas())
		infos = append(infos, RuleInfo{
			Identifier: r.Identifier(),
			Tags:       r.Tags(),
			Severity:   meta["severity"],
			Meta:       meta,
		})
	}
	return infos
}

func convertMatches(hits yara.MatchRules) []Match {
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		m := Match{
			Rule: h.Rule,
			Tags: h.Tags,
			Meta: metaMap(h.Metas),
		}
		for _, s := range h.Strings {
			m.Strings = append(m.Strings, MatchString{
				Offset:     int64(s.Offset),
				Identifier: s.Name,
				Data:       s.Data,
			})
		}
		matches = append(matches, m)
	}
	return matches
}

func metaMap(metas []yara.Meta) map[string]string {
	if len(metas) == 0 {
		return nil
	}
	out := make(map[string]string, len(metas))
	for _, meta := range metas {
		out[meta.Identifier] = fmt.Sprint(meta.Value)
	}
	return out
}
