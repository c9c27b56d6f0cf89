package protocol

import "strings"

// Platform identifies the client runtime. The broker routes each session's
// storage operations by platform and advertises a fixed capability list for
// it on welcome. Unrecognized platforms keep their raw string value.
type Platform string

const (
	PlatformBrowser     Platform = "browser"
	PlatformReactNative Platform = "react-native"
	PlatformNodeJS      Platform = "nodejs"
)

// DetectPlatform resolves a session's platform from the handshake. An
// explicit x-platform header wins; otherwise the user agent is inspected:
// "React Native" marks a mobile app, "Mozilla"/"Chrome" a browser, and
// anything else (including no user agent at all) a server process.
func DetectPlatform(header, userAgent string) Platform {
	if header != "" {
		return Platform(strings.ToLower(strings.TrimSpace(header)))
	}
	switch {
	case strings.Contains(userAgent, "React Native"):
		return PlatformReactNative
	case strings.Contains(userAgent, "Mozilla"), strings.Contains(userAgent, "Chrome"):
		return PlatformBrowser
	default:
		return PlatformNodeJS
	}
}

// Capabilities returns the storage mechanisms available to the platform.
// The list is a pure function of the platform value.
func (p Platform) Capabilities() []string {
	switch p {
	case PlatformBrowser:
		return []string{"localStorage", "indexedDB", "sessionStorage"}
	case PlatformReactNative:
		return []string{"asyncStorage", "sqlite", "secureStorage"}
	case PlatformNodeJS:
		return []string{"filesystem", "sqlite", "memory"}
	default:
		return []string{"memory"}
	}
}
