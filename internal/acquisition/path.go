package acquisition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
)

// CompletePath creates the scan directory and returns the data file path inside it:
// stem/YYYY_MM_DD/NNN_Scan_<sample>/scan_NNN.<ext>. NNN counts the scan directories
// already present for the day.
func CompletePath(stem, sample string, format protocol.FileFormat, now time.Time) (string, error) {
	dayDir := filepath.Join(stem, now.Format("2006_01_02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("create day directory: %w", err)
	}

	entries, err := os.ReadDir(dayDir)
	if err != nil {
		return "", fmt.Errorf("read day directory: %w", err)
	}
	dirs := 0
	for _, entry := range entries {
		if entry.IsDir() {
			dirs++
		}
	}

	prefix := fmt.Sprintf("%03d", dirs+1)
	if sample == "" {
		sample = "sample"
	}
	scanDir := filepath.Join(dayDir, prefix+"_Scan_"+sample)
	// Mkdir statt MkdirAll: ein bestehendes Verzeichnis wäre ein Zählfehler
	if err := os.Mkdir(scanDir, 0o755); err != nil {
		return "", fmt.Errorf("create scan directory: %w", err)
	}

	return filepath.Join(scanDir, "scan_"+prefix+"."+extension(format)), nil
}

// ROIPath moves the data file of base into a subdirectory for one region of interest:
// .../NNN_Scan_<sample>/<roi>/scan_NNN_<roi>.<ext>.
func ROIPath(base, roi string) (string, error) {
	dir := filepath.Join(filepath.Dir(base), roi)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create roi directory: %w", err)
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext) + "_" + roi + ext
	return filepath.Join(dir, name), nil
}

func extension(format protocol.FileFormat) string {
	if format == protocol.FileFITS {
		return "fits"
	}
	return "tiff"
}
