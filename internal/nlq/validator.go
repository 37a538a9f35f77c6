package nlq

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type ValidateOptions struct {
	AllowedCounties []string // empty means any county is fine
	RequireDTFilter bool
	MaxDaysLookback int
	TodayISO        string // "YYYY-MM-DD"; UTC today when empty
}

// ValidateSQL enforces:
// - SELECT (or WITH) only
// - no semicolon, no comments
// - no DML/DDL keywords
// - a bounded dt lower bound (partition pruning + lookback cap)
// - county literals restricted to the allowlist when one is configured
func ValidateSQL(sql string, opt ValidateOptions) error {
	s := strings.TrimSpace(sql)
	if s == "" {
		return fmt.Errorf("empty sql")
	}
	low := strings.ToLower(s)

	if strings.Contains(low, ";") {
		return fmt.Errorf("semicolon not allowed")
	}
	if strings.Contains(low, "--") || strings.Contains(low, "/*") || strings.Contains(low, "*/") {
		return fmt.Errorf("comments not allowed")
	}
	if !strings.HasPrefix(low, "select") && !strings.HasPrefix(low, "with") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	block := []string{
		"insert ", "update ", "delete ", "merge ", "drop ", "alter ", "create ",
		"truncate ", "grant ", "revoke ", "call ", "execute ", "prepare ", "deallocate ",
	}
	for _, kw := range block {
		if strings.Contains(low, kw) {
			return fmt.Errorf("disallowed keyword: %s", strings.TrimSpace(kw))
		}
	}

	if opt.RequireDTFilter {
		if opt.MaxDaysLookback <= 0 {
			opt.MaxDaysLookback = 90
		}
		today := strings.TrimSpace(opt.TodayISO)
		if today == "" {
			today = time.Now().UTC().Format("2006-01-02")
		}
		if err := requireBoundedDTPredicate(low, today, opt.MaxDaysLookback); err != nil {
			return err
		}
	}

	if len(opt.AllowedCounties) > 0 {
		if err := requireAllowedCountyFilter(low, opt.AllowedCounties); err != nil {
			return err
		}
	}

	return nil
}

// requireBoundedDTPredicate accepts:
//
//	dt >= date 'YYYY-MM-DD'          (also > and the bare-'...' form)
//	dt between date '...' and date '...'
//
// Every dt lower bound in the query must be inside the lookback window;
// checking only the first would let an OR'd older bound widen the scan.
func requireBoundedDTPredicate(lowSQL, todayISO string, maxDays int) error {
	today, err := time.Parse("2006-01-02", todayISO)
	if err != nil {
		return fmt.Errorf("invalid TodayISO: %s", todayISO)
	}
	minAllowed := today.AddDate(0, 0, -maxDays)

	if !regexp.MustCompile(`\bdt\b`).MatchString(lowSQL) {
		return fmt.Errorf("missing required dt filter")
	}

	bounds := 0

	betweenRe := regexp.MustCompile(`\bdt\b\s+between\s+(date\s+)?'(\d{4}-\d{2}-\d{2})'\s+and\s+(date\s+)?'(\d{4}-\d{2}-\d{2})'`)
	for _, m := range betweenRe.FindAllStringSubmatch(lowSQL, -1) {
		start, err := time.Parse("2006-01-02", m[2])
		if err != nil {
			return fmt.Errorf("dt BETWEEN has invalid start date: %s", m[2])
		}
		if start.Before(minAllowed) {
			return fmt.Errorf("dt lookback too large: start=%s older than %d days", m[2], maxDays)
		}
		bounds++
	}

	geRe := regexp.MustCompile(`\bdt\b\s*(>=|>)\s*(date\s+)?'(\d{4}-\d{2}-\d{2})'`)
	for _, m := range geRe.FindAllStringSubmatch(lowSQL, -1) {
		start, err := time.Parse("2006-01-02", m[3])
		if err != nil {
			return fmt.Errorf("dt lower bound invalid: %s", m[3])
		}
		if start.Before(minAllowed) {
			return fmt.Errorf("dt lookback too large: start=%s older than %d days", m[3], maxDays)
		}
		bounds++
	}

	if bounds == 0 {
		return fmt.Errorf("dt filter must include a lower bound (dt >= ... or dt BETWEEN ...)")
	}
	return nil
}

func requireAllowedCountyFilter(lowSQL string, allowed []string) error {
	if !regexp.MustCompile(`\bcounty\b`).MatchString(lowSQL) {
		return fmt.Errorf("missing required county filter")
	}

	allow := map[string]bool{}
	for _, v := range allowed {
		allow[strings.ToLower(strings.TrimSpace(v))] = true
	}

	// Equality or IN-list literals only. Every county predicate in the
	// query must stay inside the allowlist; stopping at the first one
	// would let an OR'd predicate widen the scope.
	re := regexp.MustCompile(`\bcounty\b\s*(=|in)\s*\(([^)]*)\)|\bcounty\b\s*=\s*'([^']*)'`)
	matches := re.FindAllStringSubmatch(lowSQL, -1)
	if len(matches) == 0 {
		return fmt.Errorf("county filter must be equality or IN list")
	}

	inValRe := regexp.MustCompile(`'([^']*)'`)
	validated := 0
	for _, m := range matches {
		if strings.TrimSpace(m[2]) != "" {
			vals := inValRe.FindAllStringSubmatch(m[2], -1)
			if len(vals) == 0 {
				return fmt.Errorf("county IN list must contain quoted values")
			}
			for _, vm := range vals {
				if !allow[strings.ToLower(strings.TrimSpace(vm[1]))] {
					return fmt.Errorf("county value not allowed: %s", vm[1])
				}
			}
			validated++
			continue
		}
		if strings.TrimSpace(m[3]) != "" {
			if !allow[strings.ToLower(strings.TrimSpace(m[3]))] {
				return fmt.Errorf("county value not allowed: %s", m[3])
			}
			validated++
		}
	}
	if validated == 0 {
		return fmt.Errorf("unable to validate county predicate")
	}
	return nil
}
