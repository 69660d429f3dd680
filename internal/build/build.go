// Package build holds version information set at link time, e.g.
//
//	go build -ldflags "-X github.com/voxpipe/voxpipe/internal/build.Version=v0.3.0"
package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// ProjectName is used in telemetry resources and metric namespaces.
	ProjectName = "voxpipe"
)
