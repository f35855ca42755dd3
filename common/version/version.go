package version

const version = "0.1.0"

// BuildFlag is stamped by the build via -ldflags.
var BuildFlag string

func CurrentVersion() string {
	if BuildFlag == "" {
		return version
	}
	return version + "+" + BuildFlag
}
