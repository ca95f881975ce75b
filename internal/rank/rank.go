package rank

import "strings"

// Window is the maximum tier-value spread allowed among ranked members of a group.
// Three sub-tiers, e.g. Platinum 3 (150) can play with Diamond 3 (180).
const Window = 30

// Tier is a named rank mapped to its comparable value.
type Tier struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

var tiers = []Tier{
	{"iron 1", 10}, {"iron 2", 20}, {"iron 3", 30},
	{"bronze 1", 40}, {"bronze 2", 50}, {"bronze 3", 60},
	{"silver 1", 70}, {"silver 2", 80}, {"silver 3", 90},
	{"gold 1", 100}, {"gold 2", 110}, {"gold 3", 120},
	{"platinum 1", 130}, {"platinum 2", 140}, {"platinum 3", 150},
	{"diamond 1", 160}, {"diamond 2", 170}, {"diamond 3", 180},
	{"ascendant 1", 190}, {"ascendant 2", 200}, {"ascendant 3", 210},
	{"immortal 1", 220}, {"immortal 2", 230}, {"immortal 3", 240},
	{"radiant", 250},
}

var tierValues = func() map[string]int {
	m := make(map[string]int, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t.Value
	}
	return m
}()

// Tiers returns the rank scale in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// TierValue resolves a rank label case-insensitively. Unknown or empty labels
// map to 0, which marks the player as a wildcard.
func TierValue(label string) int {
	return tierValues[strings.ToLower(strings.TrimSpace(label))]
}

// TierValueOf is TierValue for an optional label; nil means any rank.
func TierValueOf(label *string) int {
	if label == nil {
		return 0
	}
	return TierValue(*label)
}

// IsCompatible reports whether the ranked members (value > 0) of a group fit
// inside window. Groups with fewer than two ranked members always fit.
func IsCompatible(values []int, window int) bool {
	ranked := 0
	for _, v := range values {
		if v > 0 {
			ranked++
		}
	}
	if ranked < 2 {
		return true
	}
	return Spread(values) <= window
}

// GroupCompatible is IsCompatible over rank labels.
func GroupCompatible(labels []string, window int) bool {
	values := make([]int, len(labels))
	for i, l := range labels {
		values[i] = TierValue(l)
	}
	return IsCompatible(values, window)
}

// Spread returns max-min over the ranked values, or 0 with fewer than two.
func Spread(values []int) int {
	lo, hi, ranked := 0, 0, 0
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if ranked == 0 || v < lo {
			lo = v
		}
		if ranked == 0 || v > hi {
			hi = v
		}
		ranked++
	}
	if ranked < 2 {
		return 0
	}
	return hi - lo
}
