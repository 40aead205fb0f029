package models

// FingerprintHashes stores a SHA-256 hash per client signal. Critical components (user agent,
// platform, hardware) bind the device; minor components only produce warnings when they drift.
type FingerprintHashes struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Hardware  string `json:"hardware,omitempty"`
	Screen    string `json:"screen,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Language  string `json:"language,omitempty"`
}

// CriticalMismatches lists the critical components that differ between two fingerprints. Empty
// components on either side are not compared.
func (f FingerprintHashes) CriticalMismatches(other FingerprintHashes) []string {
	var out []string
	if differs(f.UserAgent, other.UserAgent) {
		out = append(out, "user_agent")
	}
	if differs(f.Platform, other.Platform) {
		out = append(out, "platform")
	}
	if differs(f.Hardware, other.Hardware) {
		out = append(out, "hardware")
	}
	return out
}

// MinorMismatches lists the minor components that differ between two fingerprints.
func (f FingerprintHashes) MinorMismatches(other FingerprintHashes) []string {
	var out []string
	if differs(f.Screen, other.Screen) {
		out = append(out, "screen")
	}
	if differs(f.Timezone, other.Timezone) {
		out = append(out, "timezone")
	}
	if differs(f.Language, other.Language) {
		out = append(out, "language")
	}
	return out
}

// IsZero reports whether no component was captured.
func (f FingerprintHashes) IsZero() bool {
	return f == FingerprintHashes{}
}

func differs(a, b string) bool {
	return a != "" && b != "" && a != b
}
