// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package security

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// Severity ranks a scan finding.
type Severity int

// Severities in increasing order.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Issue is one scan finding.
type Issue struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Snippet  string   `json:"snippet"`
}

// ScanResult is the outcome of scanning one or more sources.
// Safe is false when any issue is high or critical.
type ScanResult struct {
	Safe   bool    `json:"safe"`
	Issues []Issue `json:"issues"`
}

// MaxSeverity returns the highest severity found, or -1 with no issues.
func (r ScanResult) MaxSeverity() Severity {
	maxSev := Severity(-1)
	for _, is := range r.Issues {
		if is.Severity > maxSev {
			maxSev = is.Severity
		}
	}
	return maxSev
}

type identRule struct {
	rule     string
	severity Severity
	message  string
}

type literalRule struct {
	rule     string
	severity Severity
	message  string
	pattern  *regexp.Regexp
}

// luaLexer tokenizes enough of Lua to tell identifiers from string contents
// and comments. Unknown bytes fall through to Other so lexing never fails.
var luaLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Comment", Pattern: `--\[=*\[(?s:.*?)\]=*\]|--[^\n]*`},
	{Name: "LongString", Pattern: `\[=*\[(?s:.*?)\]=*\]`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\\n])*"|'(?:\\.|[^'\\\n])*'`},
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|[0-9]+(?:\.[0-9]*)?(?:[eE][-+]?[0-9]+)?|\.[0-9]+`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[-+*/%^#&~|<>=(){}\[\];:,.]`},
	{Name: "Other", Pattern: `.`},
})

var defaultIdentRules = map[string]identRule{
	"os":             {"process-control", SeverityCritical, "os library gives process control and environment access"},
	"io":             {"raw-filesystem", SeverityCritical, "io library gives raw filesystem access"},
	"debug":          {"debug-library", SeverityCritical, "debug library can reach host internals"},
	"package":        {"module-loader", SeverityHigh, "package table exposes the module loader"},
	"require":        {"module-loading", SeverityHigh, "require loads modules outside the capability table"},
	"dofile":         {"file-execution", SeverityHigh, "dofile executes code from the host filesystem"},
	"loadfile":       {"file-execution", SeverityHigh, "loadfile compiles code from the host filesystem"},
	"load":           {"dynamic-code", SeverityHigh, "load compiles code generated at runtime"},
	"loadstring":     {"dynamic-code", SeverityHigh, "loadstring compiles code generated at runtime"},
	"setfenv":        {"environment-tampering", SeverityHigh, "setfenv rewrites function environments"},
	"getfenv":        {"environment-tampering", SeverityHigh, "getfenv exposes function environments"},
	"newproxy":       {"userdata-proxy", SeverityMedium, "newproxy creates raw userdata"},
	"collectgarbage": {"gc-control", SeverityMedium, "collectgarbage interferes with host memory management"},
	"rawset":         {"metatable-bypass", SeverityMedium, "rawset bypasses metatable protections"},
	"_G":             {"global-table", SeverityLow, "direct global table access"},
}

var defaultMemberRules = map[string]identRule{
	"string.dump": {"bytecode-dump", SeverityHigh, "string.dump serializes functions to bytecode"},
}

var defaultLiteralRules = []literalRule{
	{"system-path", SeverityHigh, "absolute path into a host system directory",
		regexp.MustCompile(`^/(etc|proc|sys|dev|root|boot|bin|sbin|usr|var|lib)(/|$)`)},
	{"system-path", SeverityHigh, "absolute Windows drive path",
		regexp.MustCompile(`^[A-Za-z]:[\\/]`)},
	{"path-traversal", SeverityMedium, "parent directory traversal",
		regexp.MustCompile(`(^|[/\\])\.\.([/\\]|$)`)},
	{"home-path", SeverityMedium, "reference to the host user's home directory",
		regexp.MustCompile(`^~[/\\]`)},
}

// Scanner performs the denylist scan.
type Scanner struct {
	idents   map[string]identRule
	members  map[string]identRule
	literals []literalRule
	symbols  map[string]lexer.TokenType
}

// NewScanner returns a scanner with the default rule set.
func NewScanner() *Scanner {
	return &Scanner{
		idents:   defaultIdentRules,
		members:  defaultMemberRules,
		literals: defaultLiteralRules,
		symbols:  luaLexer.Symbols(),
	}
}

// Scan checks a single Lua source text.
func (s *Scanner) Scan(source string) ScanResult {
	return s.scan("", source)
}

func (s *Scanner) scan(file, source string) ScanResult {
	res := ScanResult{Safe: true, Issues: []Issue{}}

	lex, err := luaLexer.LexString(file, source)
	if err != nil {
		res.add(Issue{Rule: "unparseable", Severity: SeverityHigh, Message: err.Error(), File: file})
		return res
	}
	tokens, err := lexer.ConsumeAll(lex)
	if err != nil {
		res.add(Issue{Rule: "unparseable", Severity: SeverityHigh, Message: err.Error(), File: file})
		return res
	}

	var (
		identType  = s.symbols["Ident"]
		punctType  = s.symbols["Punct"]
		stringType = s.symbols["String"]
		longType   = s.symbols["LongString"]
		skipTypes  = map[lexer.TokenType]bool{s.symbols["Whitespace"]: true, s.symbols["Comment"]: true}
	)

	var sig []lexer.Token
	for _, tok := range tokens {
		if tok.EOF() || skipTypes[tok.Type] {
			continue
		}
		sig = append(sig, tok)
	}

	for i, tok := range sig {
		switch tok.Type {
		case identType:
			if i >= 2 && sig[i-1].Type == punctType && (sig[i-1].Value == "." || sig[i-1].Value == ":") {
				if sig[i-2].Type == identType {
					if r, ok := s.members[sig[i-2].Value+"."+tok.Value]; ok {
						res.add(issueAt(file, tok, r.rule, r.severity, r.message, sig[i-2].Value+"."+tok.Value))
					}
				}
				continue
			}
			if r, ok := s.idents[tok.Value]; ok && !namesOnly(sig, i, identType, punctType) {
				res.add(issueAt(file, tok, r.rule, r.severity, r.message, tok.Value))
			}
		case stringType, longType:
			lit := unquote(tok.Value)
			for _, r := range s.literals {
				if r.pattern.MatchString(lit) {
					res.add(issueAt(file, tok, r.rule, r.severity, r.message, tok.Value))
				}
			}
		}
	}
	return res
}

// ScanDir scans every .lua file under dir, skipping dot entries.
func (s *Scanner) ScanDir(dir string) (ScanResult, error) {
	return s.scanDir(dir, "")
}

// ScanPlugin scans a plugin about to run: entry is the already-read
// content of its main file (a slash-separated path relative to dir), which
// is scanned whatever its extension. The other .lua files are read from
// disk.
func (s *Scanner) ScanPlugin(dir, main string, entry []byte) (ScanResult, error) {
	main = path.Clean(main)
	res, err := s.scanDir(dir, main)
	if err != nil {
		return res, err
	}
	for _, is := range s.scan(main, string(entry)).Issues {
		res.add(is)
	}
	return res, nil
}

// scanDir scans the .lua files under dir except the one at skip.
func (s *Scanner) scanDir(dir, skip string) (ScanResult, error) {
	combined := ScanResult{Safe: true, Issues: []Issue{}}
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), ".lua") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return combined, oops.In("security").Code(errutil.CodeSecurity).With("dir", dir).Wrapf(err, "walk scan directory")
	}
	sort.Strings(files)

	for _, file := range files {
		rel, _ := filepath.Rel(dir, file)
		rel = filepath.ToSlash(rel)
		if rel == skip {
			continue
		}
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return combined, oops.In("security").Code(errutil.CodeSecurity).With("file", file).Wrapf(err, "read source")
		}
		for _, is := range s.scan(rel, string(data)).Issues {
			combined.add(is)
		}
	}
	return combined, nil
}

// namesOnly reports whether the identifier at i only introduces a name: a
// table constructor key ({ load = 1 }) or a name in a local declaration
// (local os, local function load). Later uses of the name are still
// checked.
func namesOnly(sig []lexer.Token, i int, identType, punctType lexer.TokenType) bool {
	isPunct := func(j int, v string) bool {
		return j >= 0 && j < len(sig) && sig[j].Type == punctType && sig[j].Value == v
	}
	isKeyword := func(j int, v string) bool {
		return j >= 0 && sig[j].Type == identType && sig[j].Value == v
	}

	if (isPunct(i-1, "{") || isPunct(i-1, ",") || isPunct(i-1, ";")) &&
		isPunct(i+1, "=") && !isPunct(i+2, "=") {
		// Inside a constructor "{ a = 1, load = 2 }" or a multiple assignment
		// "x, load = ..."; both only bind the name.
		return true
	}

	// Walk back over "a, b, " to the token before the name list.
	j := i - 1
	for isPunct(j, ",") && j-1 >= 0 && sig[j-1].Type == identType {
		j -= 2
	}
	if isKeyword(j, "local") {
		return true
	}
	return isKeyword(j, "function") && isKeyword(j-1, "local")
}

func (r *ScanResult) add(is Issue) {
	r.Issues = append(r.Issues, is)
	if is.Severity >= SeverityHigh {
		r.Safe = false
	}
}

func issueAt(file string, tok lexer.Token, rule string, sev Severity, msg, snippet string) Issue {
	return Issue{
		Rule:     rule,
		Severity: sev,
		Message:  msg,
		File:     file,
		Line:     tok.Pos.Line,
		Column:   tok.Pos.Column,
		Snippet:  snippet,
	}
}

func unquote(lit string) string {
	if len(lit) >= 2 && (lit[0] == '"' || lit[0] == '\'') {
		return lit[1 : len(lit)-1]
	}
	if strings.HasPrefix(lit, "[") {
		open := strings.Index(lit[1:], "[")
		if open >= 0 && len(lit) >= 2*(open+2) {
			return lit[open+2 : len(lit)-(open+2)]
		}
	}
	return lit
}
