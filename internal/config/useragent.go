package config

import (
	"fmt"
	"net/http"
	"runtime"
)

// Version is reported in the User-Agent header.
var Version = "0.1.0"

// UserAgent builds "go-chatrelay/<version> (<os>; <arch>)".
func UserAgent() string {
	return fmt.Sprintf("go-chatrelay/%s (%s; %s)", Version, osType(), arch())
}

// ApplyDefaultHeaders sets the headers every outbound request carries.
func ApplyDefaultHeaders(headers http.Header) {
	if headers == nil {
		return
	}
	headers.Set("User-Agent", UserAgent())
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

func arch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	default:
		return runtime.GOARCH
	}
}
