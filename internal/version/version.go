package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return "murmur " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}

// UserAgent identifies murmur to the model hub.
func UserAgent() string {
	return "murmur/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
