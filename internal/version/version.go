package version

// Version is overridden at release time via -ldflags "-X ...version.Version=".
var Version = "0.1.0-dev"
