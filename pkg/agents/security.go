package agents

import (
	"bufio"
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Severity classifies a security finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Rule is one compiled security scan rule.
type Rule struct {
	Name        string
	Severity    Severity
	Regex       *regexp.Regexp
	Description string
}

// securityRules is the fixed rule set applied to every scanned file.
var securityRules = []Rule{
	{
		Name:        "hardcoded_secret",
		Severity:    SeverityCritical,
		Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|secret|password|passwd|token)["']?\s*[:=]\s*["'][A-Za-z0-9_\-./+=]{16,}["']`),
		Description: "Hardcoded credential literal",
	},
	{
		Name:        "vendor_key",
		Severity:    SeverityCritical,
		Regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{36,}|xox[baprs]-[A-Za-z0-9-]{10,72}|sk-[A-Za-z0-9]{32,}|AIza[0-9A-Za-z_\-]{35}`),
		Description: "Vendor-issued API key",
	},
	{
		Name:        "private_key_block",
		Severity:    SeverityCritical,
		Regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY( BLOCK)?-----`),
		Description: "PEM private key material",
	},
	{
		Name:        "env_exposure",
		Severity:    SeverityCritical,
		Regex:       regexp.MustCompile(`(?i)(?:res\.(?:send|json|write)|console\.(?:log|error|warn))\s*\([^)\n]*process\.env|print\s*\([^)\n]*os\.environ`),
		Description: "Environment variable written to a response or log",
	},
	{
		Name:        "rls_disable",
		Severity:    SeverityCritical,
		Regex:       regexp.MustCompile(`(?i)DISABLE\s+ROW\s+LEVEL\s+SECURITY`),
		Description: "Row-level security disabled",
	},
}

// Route registrations are a warning only when the line carries no
// auth/middleware reference, so this check is code rather than a bare rule.
var (
	routePattern = regexp.MustCompile(`(?i)\b(?:app|router|server)\.(?:get|post|put|delete|patch)\s*\(`)
	authPattern  = regexp.MustCompile(`(?i)auth|verify|protect|middleware|guard|session|jwt`)
)

// skippedDirs are never descended into during a scan.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"coverage":     true,
}

// maxScanFileSize bounds per-file reads during scanning.
const maxScanFileSize = 512 * 1024

// SecurityReport summarises a scan. Finding details are deliberately
// absent: they go to the process log only, never to job event streams.
type SecurityReport struct {
	Critical int
	Warning  int
	Blocked  bool
}

// SecurityAgent scans a worktree for obvious security defects.
type SecurityAgent struct {
	logger *slog.Logger
}

// NewSecurityAgent creates a scanner with the fixed rule set.
func NewSecurityAgent() *SecurityAgent {
	return &SecurityAgent{logger: slog.Default()}
}

// Scan walks worktree and applies every rule to every eligible file.
// Blocked is true iff at least one critical finding exists.
func (a *SecurityAgent) Scan(worktree string) (*SecurityReport, error) {
	report := &SecurityReport{}

	err := filepath.WalkDir(worktree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] || isTestDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isTestFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}

		rel, relErr := filepath.Rel(worktree, path)
		if relErr != nil {
			rel = path
		}
		a.scanFile(rel, data, report)
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Blocked = report.Critical > 0
	return report, nil
}

func (a *SecurityAgent) scanFile(relPath string, data []byte, report *SecurityReport) {
	for _, rule := range securityRules {
		if loc := rule.Regex.FindIndex(data); loc != nil {
			line := 1 + bytes.Count(data[:loc[0]], []byte{'\n'})
			a.record(report, rule.Name, rule.Severity, relPath, line)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if routePattern.MatchString(line) && !authPattern.MatchString(line) {
			a.record(report, "unauthenticated_route", SeverityWarning, relPath, lineNo)
		}
	}
}

// record counts the finding and logs its detail to the internal process
// log. File paths and matched content must not reach job event streams.
func (a *SecurityAgent) record(report *SecurityReport, rule string, severity Severity, file string, line int) {
	switch severity {
	case SeverityCritical:
		report.Critical++
	case SeverityWarning:
		report.Warning++
	}
	a.logger.Warn("Security finding",
		"rule", rule,
		"severity", string(severity),
		"file", file,
		"line", line)
}

func isTestDir(name string) bool {
	switch name {
	case "__tests__", "fixtures", "testdata", "__fixtures__", "__mocks__":
		return true
	}
	return false
}

func isTestFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, ".test.") ||
		strings.Contains(lower, ".spec.") ||
		strings.HasSuffix(lower, "_test.go") ||
		strings.HasSuffix(lower, "_test.py") ||
		strings.Contains(lower, "fixture")
}

func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) != -1
}
