package proxy

import (
	"mime"
	"net/http"
	"strings"
)

// attachment reports whether resp is served as a file download and
// returns the suggested filename, if any
func attachment(resp *http.Response) (filename string, ok bool) {
	header := resp.Header.Get("Content-Disposition")
	if header == "" {
		return "", false
	}

	disposition, params, err := mime.ParseMediaType(header)
	if err != nil {
		// malformed headers still mark a download when they say so
		lower := strings.ToLower(header)
		return "", strings.HasPrefix(strings.TrimSpace(lower), "attachment")
	}

	filename = params["filename"]
	return filename, disposition == "attachment" || filename != ""
}
