package config

import (
	"os"
	"path/filepath"
	"strings"
)

const untetheredDirName = ".untethered"

func LocalDirExists() bool {
	info, err := os.Stat(untetheredDirName)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// DefaultRoot prefers ./.untethered and falls back to ~/.untethered.
func DefaultRoot() string {
	if LocalDirExists() {
		return untetheredDirName
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, untetheredDirName)
	}
	return untetheredDirName
}

func DefaultPath(parts ...string) string {
	elements := make([]string, 0, len(parts)+1)
	elements = append(elements, DefaultRoot())
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			elements = append(elements, trimmed)
		}
	}
	return filepath.Join(elements...)
}

// ResolvePath expands ~ and maps a relative .untethered/... path onto the
// default root.
func ResolvePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}

	expanded := trimmed
	if resolved, err := expandPath(trimmed); err == nil && strings.TrimSpace(resolved) != "" {
		expanded = resolved
	}

	cleaned := filepath.Clean(expanded)
	if filepath.IsAbs(cleaned) {
		return cleaned
	}
	if cleaned == untetheredDirName {
		return DefaultRoot()
	}

	prefix := untetheredDirName + string(filepath.Separator)
	if strings.HasPrefix(cleaned, prefix) {
		return filepath.Join(DefaultRoot(), strings.TrimPrefix(cleaned, prefix))
	}
	return cleaned
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
