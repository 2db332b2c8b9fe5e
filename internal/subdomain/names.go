// Package subdomain allocates tunnel subdomains and remembers which client
// got which name across reconnects.
package subdomain

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"regexp"
)

var adjectives = []string{
	"brave", "calm", "clever", "crisp", "eager", "fancy", "gentle", "happy",
	"jolly", "keen", "lively", "lucky", "mellow", "nimble", "proud", "quick",
	"quiet", "shiny", "swift", "tidy", "vivid", "witty",
}

var nouns = []string{
	"badger", "beacon", "comet", "falcon", "fox", "glacier", "harbor",
	"heron", "lantern", "maple", "meadow", "otter", "owl", "pebble", "pine",
	"raven", "reef", "river", "sparrow", "summit", "tiger", "willow",
}

// Label length is capped by DNS; names stay well under it but user-supplied
// requests are checked against the same bound.
const maxLabelLen = 63

var validName = regexp.MustCompile(`^[a-z0-9-]+$`)

// Generate returns a random subdomain of the form adjective-noun-hex4.
func Generate() string {
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		panic("subdomain: crypto/rand failed: " + err.Error())
	}
	return pick(adjectives) + "-" + pick(nouns) + "-" + hex.EncodeToString(suffix)
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		panic("subdomain: crypto/rand failed: " + err.Error())
	}
	return words[n.Int64()]
}

// Valid reports whether a requested subdomain is acceptable: lowercase
// letters, digits, and hyphens only, at most one DNS label long.
func Valid(name string) bool {
	return name != "" && len(name) <= maxLabelLen && validName.MatchString(name)
}
