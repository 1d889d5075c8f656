package archive

import (
	"fmt"
	"strings"
	"time"

	"logarchive/internal/config"
)

// PathConfig is the declarative folder-structure policy for archive objects.
type PathConfig struct {
	RootPrefix  string
	Granularity string
	ByHour      bool
	ByStatus    bool
	Stage       string
	FilePrefix  string
	FileSuffix  string
}

// PathConfigFrom extracts the policy from runtime configuration.
func PathConfigFrom(cfg config.Config) PathConfig {
	return PathConfig{
		RootPrefix:  cfg.RootPrefix,
		Granularity: cfg.FolderGranularity,
		ByHour:      cfg.SubFolderByHour,
		ByStatus:    cfg.SubFolderByStatus,
		Stage:       cfg.SubFolderStage,
		FilePrefix:  cfg.FilePrefix,
		FileSuffix:  cfg.FileSuffix,
	}
}

// ComputePath derives the logical object path for one hour batch. It is a
// pure function of its inputs; the extension (".json", ".json.gz", ...) is
// appended by the caller after encoding.
func ComputePath(day time.Time, hour int, source, status string, cfg PathConfig) string {
	day = day.UTC()

	var parts []string
	if cfg.RootPrefix != "" {
		parts = append(parts, strings.Trim(cfg.RootPrefix, "/"))
	}

	switch cfg.Granularity {
	case config.GranularityYearly:
		parts = append(parts, day.Format("2006"))
	case config.GranularityMonthly:
		parts = append(parts, day.Format("2006"), day.Format("01"))
	default:
		parts = append(parts, day.Format("2006"), day.Format("01"), day.Format("02"))
	}

	if cfg.Stage != "" {
		parts = append(parts, cfg.Stage)
	}
	if cfg.ByStatus && status != "" {
		parts = append(parts, status)
	}
	if cfg.ByHour {
		parts = append(parts, fmt.Sprintf("%02d", hour))
	}

	name := fmt.Sprintf("%s%s-%s-%02d%s",
		cfg.FilePrefix, source, day.Format("2006-01-02"), hour, cfg.FileSuffix)
	parts = append(parts, name)

	return strings.Join(parts, "/")
}
