package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// archiveExtensions lists the container formats the pipeline accepts.
var archiveExtensions = map[string]bool{
	".zip": true,
	".cbz": true,
	".rar": true,
	".7z":  true,
}

// IsArchiveFile reports whether the path looks like a processable archive.
func IsArchiveFile(path string) bool {
	return archiveExtensions[strings.ToLower(filepath.Ext(path))]
}

// GetDefaultJournalPath returns the default path for the resume journal,
// next to the executable.
func GetDefaultJournalPath() string {
	return defaultSiblingPath("journal.db")
}

func defaultSiblingPath(name string) string {
	exePath, err := os.Executable()
	if err != nil {
		// Fallback to current directory if executable path can't be determined
		return name
	}
	return filepath.Join(filepath.Dir(exePath), name)
}
