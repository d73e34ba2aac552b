package tracker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
)

// FormatUSD renders a dollar amount as $1.23M, $4.5K, $7.89 or $0.
func FormatUSD(v float64) string {
	d := decimal.NewFromFloat(v)
	switch {
	case d.GreaterThanOrEqual(million):
		return "$" + d.Div(million).StringFixed(2) + "M"
	case d.GreaterThanOrEqual(thousand):
		return "$" + d.Div(thousand).StringFixed(1) + "K"
	case d.IsPositive():
		return "$" + d.StringFixed(2)
	}
	return "$0"
}

// MilestoneLabel renders a milestone threshold as 25K or 1M.
func MilestoneLabel(v float64) string {
	d := decimal.NewFromFloat(v)
	if d.GreaterThanOrEqual(million) {
		return d.Div(million).StringFixed(0) + "M"
	}
	return d.Div(thousand).StringFixed(0) + "K"
}

// Age renders the time since created as Nm, Nh or Nd ago.
func Age(created, now time.Time) string {
	mins := int(now.Sub(created) / time.Minute)
	if mins < 60 {
		return fmt.Sprintf("%dm ago", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%dh ago", hours)
	}
	return fmt.Sprintf("%dd ago", hours/24)
}

// Status classifies a token from its 24h market data.
func Status(vol24h float64, txns24h int, change24h float64) TokenStatus {
	switch {
	case change24h > 50 && vol24h > 1000:
		return StatusMooning
	case txns24h < 5 && vol24h < 100:
		return StatusDead
	}
	return StatusActive
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
