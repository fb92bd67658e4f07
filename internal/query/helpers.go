package query

import "strings"

// LooksLikeSelect reports whether sql's first keyword is SELECT, WITH
// (a CTE feeding a SELECT), PRAGMA, EXPLAIN or SHOW, used by exec to decide whether to
// return a ResultSet or an affected-row count. Comments and leading
// whitespace are skipped; this is a best-effort classification, not a
// full parser. Ambiguous statements fall back to the DML path and let
// the driver's own error surface any mismatch.
func LooksLikeSelect(sql string) bool {
	s := strings.TrimSpace(sql)
	for strings.HasPrefix(s, "--") || strings.HasPrefix(s, "/*") {
		if strings.HasPrefix(s, "--") {
			if idx := strings.IndexByte(s, '\n'); idx >= 0 {
				s = strings.TrimSpace(s[idx+1:])
				continue
			}
			return false
		}
		if idx := strings.Index(s, "*/"); idx >= 0 {
			s = strings.TrimSpace(s[idx+2:])
			continue
		}
		return false
	}
	upper := strings.ToUpper(s)
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH") || strings.HasPrefix(upper, "PRAGMA") || strings.HasPrefix(upper, "EXPLAIN") || strings.HasPrefix(upper, "SHOW")
}
