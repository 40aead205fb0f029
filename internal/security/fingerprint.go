package security

import (
	"strings"

	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/pkg/crypto"
)

// GenerateFingerprint hashes every captured client signal. The device id covers only the critical
// components so cosmetic drift (window size, language) keeps the same device.
func GenerateFingerprint(req RequestContext) Fingerprint {
	components := models.FingerprintHashes{
		UserAgent: hashComponent(req.UserAgent),
		Platform:  hashComponent(req.Platform),
		Hardware:  hashComponent(req.Hardware),
		Screen:    hashComponent(req.Screen),
		Timezone:  hashComponent(req.Timezone),
		Language:  hashComponent(req.Language),
	}

	return Fingerprint{
		Hash: crypto.HashHex(
			components.UserAgent, components.Platform, components.Hardware,
			components.Screen, components.Timezone, components.Language,
		),
		DeviceID:   crypto.HashHex(components.UserAgent, components.Platform, components.Hardware)[:32],
		Components: components,
	}
}

func hashComponent(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return crypto.HashHex(value)
}
