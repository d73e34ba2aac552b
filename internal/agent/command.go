package agent

import (
	"net/url"
	"strings"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

// Keyword returns the launch command prefix for a launchpad.
func Keyword(launchpad string) string {
	switch launchpad {
	case "4claw":
		return "!4clawd"
	case "kibu":
		return "!kibu"
	case "molaunch":
		return "!molaunch"
	default:
		return "!clawnch"
	}
}

// BuildCommand renders the post body that asks a launchpad bot to deploy c.
func BuildCommand(cfg *instance.Config, c instance.Candidate) string {
	var b strings.Builder
	b.WriteString(Keyword(cfg.Launchpad))
	b.WriteString("\nname: " + c.Name)
	b.WriteString("\nsymbol: " + c.Symbol)
	b.WriteString("\nwallet: " + cfg.Wallet)
	b.WriteString("\ndescription: $" + c.Symbol + " is the fuel for the " + c.Name + " revolution. Community-driven, built to moon.")
	if img := CleanImage(c.Image); img != "" {
		b.WriteString("\nimage: " + img)
	}
	if c.Website != "" {
		b.WriteString("\nwebsite: " + c.Website)
	}
	if (cfg.Launchpad == "kibu" || cfg.Launchpad == "clawnch") && c.Chain != "" {
		b.WriteString("\nchain: " + c.Chain)
	}
	if cfg.Launchpad == "kibu" && cfg.Platform == "fourmeme" {
		b.WriteString("\nlaunchpad: fourmeme")
	}
	return b.String()
}

const imageProxy = "https://wsrv.nl/?url="

// CleanImage returns a URL launchpad bots can render: direct image links and
// known CDNs pass through, everything else goes through a PNG proxy.
func CleanImage(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		return ""
	}
	lower := strings.ToLower(raw)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return raw
		}
	}
	if strings.Contains(raw, "assets.geckoterminal.com") || strings.Contains(raw, "coin-images.coingecko.com") {
		return raw
	}
	base, _, _ := strings.Cut(raw, "?")
	return imageProxy + strings.ReplaceAll(url.QueryEscape(base), "+", "%20") + "&output=png"
}
