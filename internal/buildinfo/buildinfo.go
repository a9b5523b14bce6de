// Package buildinfo carries version metadata stamped at link time with
// -ldflags "-X concretepool/internal/buildinfo.Version=...".
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the stamped metadata. An unstamped binary falls back to the VCS
// revision and time recorded by the Go toolchain, when present.
func Info() map[string]string {
	info := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info["go"] = bi.GoVersion
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info["commit"] == "":
				info["commit"] = s.Value
			case s.Key == "vcs.time" && info["builtAt"] == "":
				info["builtAt"] = s.Value
			}
		}
	}
	return info
}

// String renders the version line printed by the CLIs.
func String() string {
	i := Info()
	s := i["version"]
	if c := i["commit"]; c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		s += " (" + c + ")"
	}
	return s
}
