// File: internal/adb/apps.go
package adb

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// commonApps maps well-known app names to their package identifiers so the
// frequent cases skip the fuzzy scan entirely.
var commonApps = map[string]string{
	"settings":  "com.android.settings",
	"chrome":    "com.android.chrome",
	"camera":    "com.android.camera",
	"gallery":   "com.android.gallery3d",
	"clock":     "com.android.deskclock",
	"calendar":  "com.android.calendar",
	"contacts":  "com.android.contacts",
	"phone":     "com.android.dialer",
	"messages":  "com.google.android.apps.messaging",
	"gmail":     "com.google.android.gm",
	"maps":      "com.google.android.apps.maps",
	"youtube":   "com.google.android.youtube",
	"play":      "com.android.vending",
	"playstore": "com.android.vending",
	"wechat":    "com.tencent.mm",
	"qq":        "com.tencent.mobileqq",
	"alipay":    "com.eg.android.AlipayGphone",
	"taobao":    "com.taobao.taobao",
	"twitter":   "com.twitter.android",
	"x":         "com.twitter.android",
	"instagram": "com.instagram.android",
	"whatsapp":  "com.whatsapp",
	"telegram":  "org.telegram.messenger",
	"spotify":   "com.spotify.music",
	"netflix":   "com.netflix.mediaclient",
	"files":     "com.google.android.documentsui",
}

// appResolver turns human-readable app names into installed package IDs,
// preferring the alias table and falling back to character-overlap scoring
// against the installed package list.
type appResolver struct {
	logger *zap.Logger
	ch     Channel
}

func newAppResolver(logger *zap.Logger, ch Channel) *appResolver {
	return &appResolver{logger: logger.Named("apps"), ch: ch}
}

// Resolve returns the best-matching installed package for the given name.
func (a *appResolver) Resolve(ctx context.Context, name string) (string, error) {
	key := normalizeAppName(name)
	if key == "" {
		return "", fmt.Errorf("empty app name")
	}

	if pkg, ok := commonApps[key]; ok {
		return pkg, nil
	}

	res, err := a.ch.Execute(ctx, "pm list packages")
	if err != nil {
		return "", fmt.Errorf("list packages: %w", err)
	}
	if !res.Success {
		return "", fmt.Errorf("pm list packages exited %d", res.ExitCode)
	}

	bestPkg := ""
	bestScore := 0.0
	for _, line := range strings.Split(res.Stdout, "\n") {
		pkg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "package:"))
		if pkg == "" {
			continue
		}
		score := matchScore(key, pkg)
		if score > bestScore {
			bestScore = score
			bestPkg = pkg
		}
	}

	// Below this the match is likely coincidental character noise.
	const minScore = 0.5
	if bestPkg == "" || bestScore < minScore {
		return "", fmt.Errorf("no installed app matches %q", name)
	}

	a.logger.Debug("Resolved app name",
		zap.String("name", name),
		zap.String("package", bestPkg),
		zap.Float64("score", bestScore))
	return bestPkg, nil
}

func normalizeAppName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// matchScore rates how well a package matches a normalized app name. An
// exact segment match wins outright; otherwise score by character overlap
// against the final package segment.
func matchScore(key, pkg string) float64 {
	lower := strings.ToLower(pkg)
	segments := strings.Split(lower, ".")
	last := segments[len(segments)-1]

	for _, seg := range segments {
		if seg == key {
			return 1.0
		}
	}
	if strings.Contains(lower, key) {
		return 0.9
	}

	return overlapRatio(key, last)
}

// overlapRatio is the fraction of the name's characters found in the
// candidate, order-insensitive.
func overlapRatio(name, candidate string) float64 {
	if len(name) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range candidate {
		counts[r]++
	}
	matched := 0
	total := 0
	for _, r := range name {
		total++
		if counts[r] > 0 {
			counts[r]--
			matched++
		}
	}
	return float64(matched) / float64(total)
}
