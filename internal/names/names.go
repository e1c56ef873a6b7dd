// Package names implements the session identifier policy: generation of
// aviation-themed word-pair identifiers and the validation grammar applied
// to candidate subdomain labels. Centralising both here keeps the ingress
// router and the session directory agreeing on what counts as an identifier.
package names

import (
	"math/rand"
	"regexp"
)

// identifierRe is the identifier grammar. Generated identifiers always use
// words of 3–10 letters; validation accepts any word of 3+ letters so that
// the grammar, not the word lists, is the authority on label shape.
var identifierRe = regexp.MustCompile(`^[a-z]{3,}-[a-z]{3,}$`)

// firstWords are flight attitudes and maneuvers. Disjoint from secondWords.
var firstWords = []string{
	"airborne", "banking", "circling", "climbing", "coasting",
	"cruising", "diving", "drifting", "feathered", "flared",
	"floating", "gliding", "hovering", "inverted", "looping",
	"orbiting", "pitching", "rolling", "skimming", "soaring",
	"spiraling", "stalling", "subsonic", "supersonic", "swooping",
	"taxiing", "throttled", "trimmed", "vectored", "weaving",
	"wheeling", "yawing",
}

// secondWords are aircraft and airfield nouns. Disjoint from firstWords.
var secondWords = []string{
	"aileron", "airfoil", "airframe", "airspeed", "altimeter",
	"beacon", "biplane", "bulkhead", "canard", "cockpit",
	"compass", "contrail", "cowling", "elevator", "fairing",
	"flap", "fuselage", "glider", "gyroscope", "hangar",
	"horizon", "jetstream", "longeron", "nacelle", "propeller",
	"pylon", "rudder", "runway", "spinner", "spoiler",
	"stabilizer", "tailfin", "tailwind", "tarmac", "throttle",
	"turbine", "winglet", "wingspan", "yoke",
}

// defaultReserved are subdomain labels that are never treated as session
// identifiers regardless of grammar. Operators may extend the set via
// configuration; entries here match the labels used by the public site and
// control surfaces.
var defaultReserved = []string{
	"api", "www", "app", "admin", "dashboard", "docs", "blog", "status",
}

// Generate returns a fresh identifier of the form "<first>-<second>", one
// word sampled from each list. Collisions are possible and are the caller's
// responsibility (the directory retries a bounded number of times).
func Generate() string {
	first := firstWords[rand.Intn(len(firstWords))]
	second := secondWords[rand.Intn(len(secondWords))]
	return first + "-" + second
}

// Valid reports whether label matches the identifier grammar
// ^[a-z]{3,}-[a-z]{3,}$. It does not consult the reserved set.
func Valid(label string) bool {
	return identifierRe.MatchString(label)
}

// DefaultReserved returns a copy of the default reserved label set.
func DefaultReserved() []string {
	out := make([]string, len(defaultReserved))
	copy(out, defaultReserved)
	return out
}

// Combinations returns the size of the identifier space. Used by the
// directory to cap its capacity sanity checks and by tests.
func Combinations() int {
	return len(firstWords) * len(secondWords)
}
