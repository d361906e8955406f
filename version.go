package tggl

import (
	"fmt"
	"runtime/debug"
)

// sdkVersion returns the module version, or "unknown" when it cannot be
// determined (e.g. during development).
func sdkVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		return "unknown"
	}
	return version
}

// getUserAgent returns the User-Agent header value in the format
// "tggl-go-sdk/<version>".
func getUserAgent() string {
	return fmt.Sprintf("tggl-go-sdk/%s", sdkVersion())
}

// clientIdentity builds the reporting client id, e.g.
// "go-client:v1.2.0/Client/checkout-service".
func clientIdentity(kind, appName string) string {
	id := "go-client:" + sdkVersion() + "/" + kind
	if appName != "" {
		id += "/" + appName
	}
	return id
}
