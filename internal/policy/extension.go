package policy

import (
	"net/url"
	"strings"
)

// ExtFromFilename returns the lowercase extension of the last path segment
// of name, without the dot. Dotfiles such as ".bashrc" have no extension.
// name is a file path: "?" and "#" are ordinary characters.
func ExtFromFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(name[dot+1:]))
}

// ExtFromURL derives the extension from the path component of rawURL.
// Opaque URLs (blob:, data:) carry no path and yield "".
func ExtFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Opaque != "" {
		return ""
	}
	return ExtFromFilename(u.Path)
}

// NormalizeMIME lowercases a MIME type and strips its parameters
func NormalizeMIME(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// NormalizeExtension lowercases an extension and strips leading dots
func NormalizeExtension(ext string) string {
	return strings.TrimLeft(strings.ToLower(strings.TrimSpace(ext)), ".")
}
