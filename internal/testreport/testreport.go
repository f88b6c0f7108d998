// Package testreport extracts test counts from verification command output.
package testreport

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format names the runner whose output was recognized.
type Format string

const (
	FormatGo      Format = "go"
	FormatJest    Format = "jest"
	FormatGeneric Format = "generic"
)

// maxFailedNames caps how many failing test names a report keeps.
const maxFailedNames = 20

// Report summarizes the tests a verification command ran.
type Report struct {
	Format  Format   `json:"format"`
	Total   int      `json:"total"`
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Failing []string `json:"failing,omitempty"`
}

// PassRate returns passed/total, or 0 when nothing ran.
func (r *Report) PassRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

func (r *Report) String() string {
	s := fmt.Sprintf("%d/%d passed", r.Passed, r.Total)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Skipped > 0 {
		s += fmt.Sprintf(", %d skipped", r.Skipped)
	}
	return s
}

func (r *Report) fail(name string) {
	r.Total++
	r.Failed++
	if name != "" && len(r.Failing) < maxFailedNames {
		r.Failing = append(r.Failing, name)
	}
}

var (
	goCaseRe    = regexp.MustCompile(`^--- (PASS|FAIL|SKIP): (\S+)`)
	goPackageRe = regexp.MustCompile(`^(ok|FAIL)\s+\S+\s+(?:[\d.]+s|\(cached\))`)

	jestTotalsRe = regexp.MustCompile(`Tests:\s+(?:(\d+) failed,\s+)?(?:(\d+) skipped,\s+)?(?:(\d+) passed,\s+)?(\d+) total`)
	jestCaseRe   = regexp.MustCompile(`●\s+(.+)`)

	passLineRe = regexp.MustCompile(`(?i)^(PASS|✓|√|ok)\s`)
	failLineRe = regexp.MustCompile(`(?i)^(FAIL|✗|✘|×|not ok)\s+(.*)`)
)

// Parse recognizes go test, jest and generic PASS/FAIL output. It returns
// nil when the output carries no test results.
func Parse(output string) *Report {
	lines := strings.Split(output, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	for _, parse := range []func([]string) *Report{parseGo, parseJest, parseGeneric} {
		if r := parse(lines); r != nil && r.Total > 0 {
			return r
		}
	}
	return nil
}

func parseGo(lines []string) *Report {
	cases := &Report{Format: FormatGo}
	packages := &Report{Format: FormatGo}

	for _, line := range lines {
		if m := goCaseRe.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "PASS":
				cases.Total++
				cases.Passed++
			case "FAIL":
				cases.fail(m[2])
			case "SKIP":
				cases.Total++
				cases.Skipped++
			}
			continue
		}
		if m := goPackageRe.FindStringSubmatch(line); m != nil {
			if m[1] == "ok" {
				packages.Total++
				packages.Passed++
			} else {
				packages.fail(strings.Fields(line)[1])
			}
		}
	}

	// Without -v only package summary lines are printed.
	if cases.Total > 0 {
		return cases
	}
	return packages
}

func parseJest(lines []string) *Report {
	r := &Report{Format: FormatJest}
	for _, line := range lines {
		m := jestTotalsRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		r.Failed = atoi(m[1])
		r.Skipped = atoi(m[2])
		r.Passed = atoi(m[3])
		r.Total = atoi(m[4])
		break
	}
	if r.Total == 0 {
		return nil
	}

	for _, line := range lines {
		if m := jestCaseRe.FindStringSubmatch(line); m != nil && len(r.Failing) < maxFailedNames {
			r.Failing = append(r.Failing, strings.TrimSpace(m[1]))
		}
	}
	return r
}

func parseGeneric(lines []string) *Report {
	r := &Report{Format: FormatGeneric}
	for _, line := range lines {
		if m := failLineRe.FindStringSubmatch(line); m != nil {
			r.fail(strings.TrimSpace(m[2]))
		} else if passLineRe.MatchString(line) {
			r.Total++
			r.Passed++
		}
	}
	return r
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
