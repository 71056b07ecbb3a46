package version

var version = "dev"

// String returns the build version for the current binary. The value
// is injected at link time via -ldflags.
func String() string {
	return version
}
