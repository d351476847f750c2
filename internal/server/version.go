package server

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X github.com/JakeFAU/probgate/internal/server.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = "none"
)
