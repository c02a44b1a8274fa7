package domainpack

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SLAContext carries the decision-log context that can select an SLA
// override. Zero-value fields simply never match.
type SLAContext struct {
	Channel      string
	Market       string
	Airport      string
	DelayMinutes *int
}

// SLAForEvent resolves the effective SLA in milliseconds for an event
// type. Override priority, first match wins: channel, market, airport,
// delay window. Event types are matched with dotted and underscored name
// variants; the global default applies when no entry matches.
func (p *Pack) SLAForEvent(ctx context.Context, eventType string, sc SLAContext) int64 {
	config, err := p.Config(ctx)
	if err != nil {
		p.logger.Warn("SLA lookup without pack config, using zero default",
			zap.String("pack", p.id),
			zap.Error(err))
		return 0
	}

	sla := config.Defaults.SLA

	entry, ok := lookupEventEntry(sla.Events, eventType)
	if !ok {
		return sla.DefaultMS
	}

	if sc.Channel != "" {
		if ms, ok := entry.Channel[sc.Channel]; ok {
			return ms
		}
	}
	if sc.Market != "" {
		if ms, ok := entry.Market[sc.Market]; ok {
			return ms
		}
	}
	if sc.Airport != "" {
		if ms, ok := entry.Airport[sc.Airport]; ok {
			return ms
		}
	}
	if sc.DelayMinutes != nil {
		if ms, ok := matchDelayWindow(entry.DelayWindow, *sc.DelayMinutes); ok {
			return ms
		}
	}

	if entry.BaseMS > 0 {
		return entry.BaseMS
	}
	return sla.DefaultMS
}

// lookupEventEntry finds an SLA entry by exact name, then by swapping
// dotted and underscored separators ("Flight.Delay" vs "Flight_Delay").
func lookupEventEntry(events map[string]SLAEntry, eventType string) (SLAEntry, bool) {
	if entry, ok := events[eventType]; ok {
		return entry, true
	}

	variants := []string{
		strings.ReplaceAll(eventType, ".", "_"),
		strings.ReplaceAll(eventType, "_", "."),
	}
	for _, variant := range variants {
		if variant == eventType {
			continue
		}
		if entry, ok := events[variant]; ok {
			return entry, true
		}
	}
	return SLAEntry{}, false
}

// matchDelayWindow matches a delay in minutes against window keys of the
// form "Delay:<min>-<max>", where "*" means unbounded. Bounds are
// inclusive-min, exclusive-max; "Delay:60-*" matches any delay >= 60.
// Windows are tried in ascending lower-bound order, so overlapping
// windows resolve the same way on every run.
func matchDelayWindow(windows map[string]int64, delayMinutes int) (int64, bool) {
	type window struct {
		lo, hi int
		ms     int64
	}
	parsed := make([]window, 0, len(windows))
	for key, ms := range windows {
		lo, hi, ok := parseDelayWindow(key)
		if !ok {
			continue
		}
		parsed = append(parsed, window{lo: lo, hi: hi, ms: ms})
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].lo != parsed[j].lo {
			return parsed[i].lo < parsed[j].lo
		}
		return parsed[i].hi >= 0 && (parsed[j].hi < 0 || parsed[i].hi < parsed[j].hi)
	})

	for _, w := range parsed {
		if delayMinutes < w.lo {
			continue
		}
		if w.hi >= 0 && delayMinutes >= w.hi {
			continue
		}
		return w.ms, true
	}
	return 0, false
}

// parseDelayWindow parses "Delay:<min>-<max>". A "*" bound parses as
// unbounded (lo=0, hi=-1). Malformed keys are skipped.
func parseDelayWindow(key string) (lo, hi int, ok bool) {
	const prefix = "Delay:"
	if !strings.HasPrefix(key, prefix) {
		return 0, 0, false
	}

	bounds := strings.SplitN(key[len(prefix):], "-", 2)
	if len(bounds) != 2 {
		return 0, 0, false
	}

	lo = 0
	if bounds[0] != "*" {
		v, err := strconv.Atoi(bounds[0])
		if err != nil {
			return 0, 0, false
		}
		lo = v
	}

	hi = -1
	if bounds[1] != "*" {
		v, err := strconv.Atoi(bounds[1])
		if err != nil {
			return 0, 0, false
		}
		hi = v
	}

	return lo, hi, true
}
