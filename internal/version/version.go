package version

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set with ldflags at build time.
var (
	GitCommit  = "unknown"
	GitBranch  = "unknown"
	GitSummary = "unknown"
	BuildDate  = "unknown"
	AppVersion = "unknown"
)

type Version struct {
	GitCommit     string `json:"git_commit"`
	GitBranch     string `json:"git_branch"`
	GitSummary    string `json:"git_summary"`
	BuildDate     string `json:"build_date"`
	AppVersion    string `json:"app_version"`
	GoVersion     string `json:"go_version"`
	BmclibVersion string `json:"bmclib_version"`
}

func Current() *Version {
	return &Version{
		GitCommit:     GitCommit,
		GitBranch:     GitBranch,
		GitSummary:    GitSummary,
		BuildDate:     BuildDate,
		AppVersion:    AppVersion,
		GoVersion:     runtime.Version(),
		BmclibVersion: dependencyVersion("github.com/bmc-toolbox/bmclib/v2"),
	}
}

// AsMap returns the version fields keyed by their json names.
func (v *Version) AsMap() (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// AsLogFields is slog.With compatible.
func (v *Version) AsLogFields() []any {
	return []any{
		"version", v.AppVersion,
		"commit", v.GitCommit,
		"branch", v.GitBranch,
		"built", v.BuildDate,
		"go", v.GoVersion,
	}
}

var exportOnce sync.Once

// ExportBuildInfoMetric registers a gauge carrying the build attributes as labels.
func ExportBuildInfoMetric() {
	exportOnce.Do(exportBuildInfo)
}

func exportBuildInfo() {
	v := Current()

	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmcmgmt_build_info",
			Help: "A metric with a constant '1' value, labeled by version, commit and build date.",
		},
		[]string{"version", "commit", "branch", "build_date", "go_version", "bmclib_version"},
	)

	buildInfo.WithLabelValues(v.AppVersion, v.GitCommit, v.GitBranch, v.BuildDate, v.GoVersion, v.BmclibVersion).Set(1)
}

func dependencyVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	for _, dep := range info.Deps {
		if dep.Path == path {
			return dep.Version
		}
	}

	return "unknown"
}
