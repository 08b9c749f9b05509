package api

import "net/http"

func parsePage(r *http.Request) int {
	return parsePositiveInt(r.URL.Query().Get("page"), 1)
}

func parseLimit(r *http.Request, fallback, max int) int {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), fallback)
	if limit > max {
		limit = max
	}
	return limit
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	var n int
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return fallback
		}
		n = n*10 + int(ch-'0')
	}
	if n <= 0 {
		return fallback
	}
	return n
}
