package bridge

import (
	"strings"
	"unicode"
)

// Topics builds the bridge's topic names under a common prefix.
type Topics struct {
	Prefix string
}

// State is the retained JSON snapshot of a device.
func (t Topics) State(slug string) string {
	return t.Prefix + "/" + slug + "/state"
}

// Availability is "online" or "offline", retained.
func (t Topics) Availability(slug string) string {
	return t.Prefix + "/" + slug + "/availability"
}

// Set receives JSON objects of code/value pairs.
func (t Topics) Set(slug string) string {
	return t.Prefix + "/" + slug + "/set"
}

// Result carries the verdicts for the last command sent to a device.
func (t Topics) Result(slug string) string {
	return t.Prefix + "/" + slug + "/result"
}

// SetWildcard subscribes to commands for every device.
func (t Topics) SetWildcard() string {
	return t.Set("+")
}

// BridgeStatus is the bridge's own retained status and last will.
func (t Topics) BridgeStatus() string {
	return t.Prefix + "/bridge/status"
}

// SlugFromSet extracts the device slug from a set topic.
func (t Topics) SlugFromSet(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", false
	}
	slug, ok := strings.CutSuffix(rest, "/set")
	if !ok || slug == "" || strings.Contains(slug, "/") {
		return "", false
	}
	return slug, true
}

// Slug turns a device name into a single topic level: lower case, with runs
// of anything other than letters and digits collapsed to "-".
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "device"
	}
	return s
}
