package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	strider "github.com/striderhq/strider/internal"
)

// Kind is the classified cause of an upstream 429.
type Kind string

const (
	// KindConcurrency: the credential hit an in-flight ceiling, not a
	// request-rate window. The adaptive tuner reacts to these.
	KindConcurrency Kind = "concurrency"
	// KindRPM: the per-minute request window is depleted.
	KindRPM Kind = "rpm"
	// KindDaily / KindMonthly: a long-horizon quota is depleted.
	KindDaily   Kind = "daily"
	KindMonthly Kind = "monthly"
	// KindUnknown: headers gave no usable signal.
	KindUnknown Kind = "unknown"
)

// Classification is the parsed verdict for one upstream 429 response.
type Classification struct {
	Kind       Kind
	RetryAfter time.Duration // zero when the upstream sent none
	Limit      int64         // -1 when absent
	Remaining  int64         // -1 when absent
	ResetAt    time.Time     // zero when absent
}

const (
	// Short retry windows with remaining request quota indicate in-flight
	// pressure rather than a depleted rate window.
	concurrencyRetryCeiling = 30 * time.Second
	// Depleted windows are split by reset distance: anything resetting
	// beyond dailyHorizon is a day-scale quota, beyond monthlyHorizon a
	// month-scale one.
	dailyHorizon   = 2 * time.Hour
	monthlyHorizon = 48 * time.Hour
)

// family names the rate-limit headers of one vendor dialect.
type family struct {
	limit      string
	remaining  string
	reset      string
	parseReset func(string) time.Time
}

var (
	anthropicFamily = family{
		limit:      "anthropic-ratelimit-requests-limit",
		remaining:  "anthropic-ratelimit-requests-remaining",
		reset:      "anthropic-ratelimit-requests-reset",
		parseReset: parseResetRFC3339,
	}
	openaiFamily = family{
		limit:      "x-ratelimit-limit-requests",
		remaining:  "x-ratelimit-remaining-requests",
		reset:      "x-ratelimit-reset-requests",
		parseReset: parseResetDuration,
	}
	genericFamily = family{
		limit:      "x-ratelimit-limit",
		remaining:  "x-ratelimit-remaining",
		reset:      "x-ratelimit-reset",
		parseReset: parseResetEpochOrDate,
	}
)

// familiesFor orders header families by the upstream format. Detection is by
// header presence; the order only breaks ties when a proxy forwards both.
func familiesFor(format strider.Format) []family {
	if format.Base() == strider.FormatClaude {
		return []family{anthropicFamily, openaiFamily, genericFamily}
	}
	return []family{openaiFamily, anthropicFamily, genericFamily}
}

// Classify inspects the headers of a 429 response and decides what kind of
// limit was hit. inFlight is the observed in-flight count on the credential
// at the time of the response.
func Classify(h http.Header, format strider.Format, inFlight int) Classification {
	c := Classification{Kind: KindUnknown, Limit: -1, Remaining: -1}

	retryAfter, haveRetry := ParseRetryAfter(h.Get("Retry-After"))
	if haveRetry {
		c.RetryAfter = retryAfter
	}

	limit, remaining, resetAt, found := requestDimension(h, format)
	if !found {
		return c
	}
	c.Limit, c.Remaining, c.ResetAt = limit, remaining, resetAt

	switch {
	case remaining == 0:
		c.Kind = depletionKind(resetAt, retryAfter, haveRetry)
	case remaining > 0 && inFlight >= 2 && haveRetry && retryAfter <= concurrencyRetryCeiling:
		c.Kind = KindConcurrency
	}
	return c
}

// requestDimension extracts (limit, remaining, reset) for the requests
// dimension from the first header family that is present.
func requestDimension(h http.Header, format strider.Format) (limit, remaining int64, resetAt time.Time, found bool) {
	for _, f := range familiesFor(format) {
		rem, ok := headerInt(h, f.remaining)
		if !ok {
			continue
		}
		lim, _ := headerInt(h, f.limit)
		var reset time.Time
		if v := h.Get(f.reset); v != "" {
			reset = f.parseReset(v)
		}
		return lim, rem, reset, true
	}
	return -1, -1, time.Time{}, false
}

// depletionKind refines a depleted request window by its reset horizon.
func depletionKind(resetAt time.Time, retryAfter time.Duration, haveRetry bool) Kind {
	var horizon time.Duration
	switch {
	case !resetAt.IsZero():
		horizon = time.Until(resetAt)
	case haveRetry:
		horizon = retryAfter
	}
	switch {
	case horizon > monthlyHorizon:
		return KindMonthly
	case horizon > dailyHorizon:
		return KindDaily
	default:
		return KindRPM
	}
}

// ParseRetryAfter parses a Retry-After value, which may be integer seconds
// or an HTTP-date. Negative or past values clamp to zero.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func headerInt(h http.Header, name string) (int64, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return -1, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1, false
	}
	return n, true
}

// parseResetRFC3339 handles Anthropic reset timestamps (RFC 3339).
func parseResetRFC3339(v string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseResetDuration handles OpenAI reset values ("1s", "6m0s", "12ms").
func parseResetDuration(v string) time.Time {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(d)
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Time{}
}

// parseResetEpochOrDate handles generic reset values: unix epoch seconds,
// delta seconds, or a date.
func parseResetEpochOrDate(v string) time.Time {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		// Epoch timestamps are far larger than any plausible delta.
		if n > 1_000_000_000 {
			return time.Unix(n, 0)
		}
		return time.Now().Add(time.Duration(n) * time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}
