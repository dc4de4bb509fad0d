// Package fingerprint derives stable identities for DOM elements from weak
// signals that survive re-renders: visible text, role, aria-label, tag and a
// coarse position bucket. Generated CSS class names never contribute.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Length is the number of hex characters in a fingerprint.
const Length = 12

const (
	maxSignalRunes = 100
	positionCell   = 50
	sizeCell       = 25
	maxClasses     = 5
	maxClassLen    = 50
)

// Box is the position/size signal. A zero Box is a valid "unknown" position.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Signals are the weak identity signals of an element.
type Signals struct {
	Text      string
	Role      string
	AriaLabel string
	Tag       string
	Box       Box
}

var digitRun = regexp.MustCompile(`[0-9]+`)

// Normalize lowercases, collapses whitespace, masks digit runs and truncates.
// Counters and timestamps embedded in text ("3 items", "12:04") therefore do
// not change an element's identity.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	s = digitRun.ReplaceAllString(s, "#")
	if r := []rune(s); len(r) > maxSignalRunes {
		s = string(r[:maxSignalRunes])
	}
	return s
}

// Bucket reduces a box to a grid cell so small layout shifts keep identity.
func Bucket(b Box) string {
	cell := func(v float64, size int) int {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return 0
		}
		return int(v) / size
	}
	return fmt.Sprintf("%d.%d.%d.%d",
		cell(b.X, positionCell), cell(b.Y, positionCell),
		cell(b.Width, sizeCell), cell(b.Height, sizeCell))
}

// Compute returns the 12-character hex fingerprint for the signals.
func Compute(s Signals) string {
	parts := []string{
		"text:" + Normalize(s.Text),
		"role:" + strings.ToLower(strings.TrimSpace(s.Role)),
		"aria:" + Normalize(s.AriaLabel),
		"tag:" + strings.ToLower(strings.TrimSpace(s.Tag)),
		"box:" + Bucket(s.Box),
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:Length]
}

var generatedClassPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^css-[a-zA-Z0-9]+$`),
	regexp.MustCompile(`^sc-[a-zA-Z]+$`),
	regexp.MustCompile(`^_[a-zA-Z0-9]{5,}$`),
	regexp.MustCompile(`^[a-zA-Z]+__[a-zA-Z]+_[a-zA-Z0-9]+$`),
	regexp.MustCompile(`^jsx-\d+$`),
	regexp.MustCompile(`^svelte-[a-z0-9]+$`),
	regexp.MustCompile(`^styles_[a-zA-Z]+__[a-zA-Z0-9]+$`),
}

var stablePrefixes = []string{
	"Mui", "ant-", "chakra-",
	"btn", "button", "input", "form", "nav", "header", "footer",
	"sidebar", "menu", "modal", "dialog", "card", "list", "item",
	"container", "wrapper", "content",
}

// IsGenerated reports whether a class name looks build-generated.
func IsGenerated(class string) bool {
	for _, p := range generatedClassPatterns {
		if p.MatchString(class) {
			return true
		}
	}
	return looksHashed(class)
}

// looksHashed catches hash suffixes the explicit patterns miss, e.g. "a1b2c3d4".
func looksHashed(class string) bool {
	if len(class) < 6 {
		return false
	}
	var digits, letters int
	for _, r := range class {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return digits >= 3 && letters >= 3 && !hasStablePrefix(class)
}

func hasStablePrefix(class string) bool {
	for _, p := range stablePrefixes {
		if strings.HasPrefix(class, p) {
			return true
		}
	}
	return false
}

// StableClasses filters a class attribute down to at most five sorted classes
// that are likely to survive a rebuild of the page's stylesheet.
func StableClasses(className string) []string {
	seen := make(map[string]bool)
	var kept []string
	for _, c := range strings.Fields(className) {
		if len(c) > maxClassLen || seen[c] {
			continue
		}
		seen[c] = true
		if hasStablePrefix(c) || !IsGenerated(c) {
			kept = append(kept, c)
		}
	}
	sort.Strings(kept)
	if len(kept) > maxClasses {
		kept = kept[:maxClasses]
	}
	return kept
}
