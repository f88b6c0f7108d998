package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/autoflow/internal/store"
)

// Set through -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var versionJSON bool

type buildInfo struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Modified    bool   `json:"modified,omitempty"`
	BuildDate   string `json:"buildDate"`
	GoVersion   string `json:"goVersion"`
	Platform    string `json:"platform"`
	StoreSchema int    `json:"storeSchema"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := currentBuild(debug.ReadBuildInfo)
		if versionJSON {
			return printJSON(info)
		}
		commit := info.Commit
		if info.Modified {
			commit += " (modified)"
		}
		fmt.Printf("autoflow %s\n", info.Version)
		fmt.Printf("  commit:       %s\n", commit)
		fmt.Printf("  built:        %s\n", info.BuildDate)
		fmt.Printf("  go version:   %s\n", info.GoVersion)
		fmt.Printf("  platform:     %s\n", info.Platform)
		fmt.Printf("  store schema: %d\n", info.StoreSchema)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output in JSON format")
}

// currentBuild fills whatever the linker left unset from the VCS stamp that
// go build embeds.
func currentBuild(read func() (*debug.BuildInfo, bool)) buildInfo {
	info := buildInfo{
		Version:     Version,
		Commit:      Commit,
		BuildDate:   BuildDate,
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		StoreSchema: store.SchemaVersion,
	}

	bi, ok := read()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}
