package utils

import (
	"net/url"
	"path"
	"strings"
)

// FileNameFromURL returns the last path segment of a URL, ignoring query
// and fragment. Example: https://example.com/a/b/ota.zip?sig=1 -> ota.zip
func FileNameFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	name := path.Base(strings.TrimSuffix(parsed.Path, "/"))
	if name == "." || name == "/" || name == "" {
		return "", nil
	}

	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name, nil
}

// SanitizeFileName strips path separators so a server-provided name cannot
// escape the staging or cache directory.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "." || name == ".." {
		return ""
	}
	return name
}
