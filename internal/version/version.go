// Package version carries build metadata stamped in with -ldflags and
// filled in from the Go build info when absent.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName names the service in logs, metrics, traces and profiles.
const AppName = "linnemanlabs-social"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// String is the one-line form printed by -version.
func (i Info) String() string {
	dirty := ""
	if i.VCSDirty != nil && *i.VCSDirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s %s (commit %s%s, built %s, %s)", AppName, i.Version, i.Commit, dirty, orUnknown(i.BuildDate), orUnknown(i.GoVersion))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		applySettings(&out, bi.Settings)
	}
	return out
}

// applySettings fills gaps from the VCS stamps the go tool records.
// Values set with -ldflags win.
func applySettings(out *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				b := s.Value == "true"
				out.VCSDirty = &b
			}
		}
	}
}
