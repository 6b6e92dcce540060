package cmd

import (
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dstockto/labprep/models"
)

// RoundAmount rounds a float64 to one decimal place using RoundToEven.
func RoundAmount(amount float64) float64 {
	return math.RoundToEven(amount*10) / 10
}

// ToProtocolName converts a filename or string to a protocol name by replacing dashes
// and underscores with spaces and capitalizing each word.
func ToProtocolName(s string) string {
	s = strings.TrimSuffix(s, filepath.Ext(s))
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
	}
	return strings.Join(words, " ")
}

// TruncateFront truncates a string from the front if it exceeds maxLen.
func TruncateFront(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[len(s)-maxLen:]
	}
	return "..." + s[len(s)-maxLen+3:]
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// resolveFloors merges the configured min_heights over the per-class defaults.
// Keys are labware class names.
func resolveFloors() map[string]float64 {
	floors := map[string]float64{}
	for _, c := range []models.LabwareClass{models.ClassDeepwell, models.ClassReservoir, models.ClassScrewcap, models.ClassPlate} {
		floors[string(c)] = models.DefaultMinHeight(c)
	}
	if Cfg == nil {
		return floors
	}
	for k, v := range Cfg.MinHeights {
		if v > 0 {
			floors[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return floors
}

// databasePath returns the configured run history database, or "" when
// history is disabled.
func databasePath() string {
	if Cfg == nil || strings.TrimSpace(Cfg.Database) == "" {
		return ""
	}
	return expandHome(Cfg.Database)
}

// shortID returns the first eight characters of a run id.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
