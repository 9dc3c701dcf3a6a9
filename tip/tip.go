// Package tip implements tip tier classification and the scheduled-removal
// lifecycle for monetary chat events (C10 of the chat ingestion core).
package tip

import (
	"strconv"
	"strings"
	"time"
)

// exchangeRates converts one unit of the given currency into the
// reference currency (JPY) used for tier classification. Values mirror
// the rates used by the originating desktop client's superchat module.
var exchangeRates = map[string]float64{
	"JPY": 1.0,
	"USD": 150.0,
	"CAD": 110.0,
	"AUD": 100.0,
	"EUR": 160.0,
	"GBP": 190.0,
	"KRW": 0.11,
	"TWD": 4.7,
}

// tierThresholds maps a non-strict lower bound (reference-currency units)
// to its tier. Checked from highest to lowest.
var tierThresholds = []struct {
	min  float64
	tier int
}{
	{10000, 7},
	{5000, 6},
	{2000, 5},
	{1000, 4},
	{500, 3},
	{200, 2},
	{0, 1},
}

// tierDisplayDurations maps tier to the widget's on-screen duration.
var tierDisplayDurations = map[int]time.Duration{
	1: 10000 * time.Millisecond,
	2: 20000 * time.Millisecond,
	3: 30000 * time.Millisecond,
	4: 60000 * time.Millisecond,
	5: 120000 * time.Millisecond,
	6: 180000 * time.Millisecond,
	7: 300000 * time.Millisecond,
}

// Tier classifies a tip's (amount, currency) pair into one of seven
// severity tiers, 1 (lowest) to 7 (highest), by converting to the
// reference currency and checking thresholds from highest to lowest.
// An unrecognized currency is treated as the reference currency itself
// (rate 1.0).
func Tier(amount float64, currency string) int {
	rate, ok := exchangeRates[strings.ToUpper(currency)]
	if !ok {
		rate = 1.0
	}
	converted := amount * rate
	for _, t := range tierThresholds {
		if converted >= t.min {
			return t.tier
		}
	}
	return 1
}

// DisplayDuration returns how long a widget for the given tier should
// remain on screen before being removed.
func DisplayDuration(tier int) time.Duration {
	if d, ok := tierDisplayDurations[tier]; ok {
		return d
	}
	return tierDisplayDurations[1]
}

// ParseAmount extracts a numeric amount from a currency-formatted display
// string such as "$10.00", "€5,00" or "¥1,000". European-style formatting
// (comma as decimal separator) is detected by a trailing comma followed by
// exactly 1 or 2 digits (e.g. "5,00", "1.000,50"); anything else treats a
// comma as a thousands separator to be stripped.
func ParseAmount(display string) (float64, bool) {
	var digits strings.Builder
	for _, r := range display {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			digits.WriteRune(r)
		}
	}
	raw := digits.String()
	if raw == "" {
		return 0, false
	}

	european := false
	if commaPos := strings.LastIndex(raw, ","); commaPos >= 0 {
		afterComma := raw[commaPos+1:]
		european = len(afterComma) >= 1 && len(afterComma) <= 2 && isAllDigits(afterComma)
	}

	var normalized string
	if european {
		normalized = strings.ReplaceAll(raw, ".", "")
		normalized = strings.ReplaceAll(normalized, ",", ".")
	} else {
		normalized = strings.ReplaceAll(raw, ",", "")
	}

	amount, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Widget is the payload broadcast to the hub for a monetary event:
// tip-add carries the full widget, tip-remove carries only its ID after
// DisplayDuration elapses.
type Widget struct {
	ID            string
	AuthorName    string
	AmountDisplay string
	Currency      string
	Tier          int
	Duration      time.Duration
}

// NewWidget classifies (amount, currency) and constructs the widget to
// broadcast for a tip or sticker-tip message.
func NewWidget(id, authorName, amountDisplay, currency string) Widget {
	amount, _ := ParseAmount(amountDisplay)
	tier := Tier(amount, currency)
	return Widget{
		ID:            id,
		AuthorName:    authorName,
		AmountDisplay: amountDisplay,
		Currency:      currency,
		Tier:          tier,
		Duration:      DisplayDuration(tier),
	}
}

// Remover schedules the fire-and-forget widget-remove broadcast after a
// widget's display duration elapses. Scheduling failures (e.g. the
// process exiting first) are accepted: the spec explicitly treats
// tip-removal persistence as best-effort, not durable.
type Remover struct {
	broadcast func(id string)
}

// NewRemover constructs a Remover that invokes broadcast when a widget's
// timer expires.
func NewRemover(broadcast func(id string)) *Remover {
	return &Remover{broadcast: broadcast}
}

// Schedule arranges for w's removal to be broadcast after w.Duration.
// The timer is not tracked or cancellable: a process restart simply loses
// the pending removal, which is an accepted gap per the fire-and-forget
// design.
func (r *Remover) Schedule(w Widget) {
	time.AfterFunc(w.Duration, func() {
		r.broadcast(w.ID)
	})
}
