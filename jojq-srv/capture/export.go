package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

const maxSanitizedPathLen = 50

// ExportRecord writes a single record as a JSON document into dir, naming
// the file {method_lower}_{sanitized_path}_{epoch_ms}.json. The written
// path is returned.
func ExportRecord(rec Record, dir string) (string, error) {
	path := filepath.Join(dir, exportFilename(rec))
	if err := writeJSON(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

// ExportAll writes records as a JSON array into dir, returning the written
// path.
func ExportAll(records []Record, dir string) (string, error) {
	name := fmt.Sprintf("captures_%d.json", time.Now().UnixMilli())
	path := filepath.Join(dir, name)
	if err := writeJSON(path, records); err != nil {
		return "", err
	}
	return path, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal capture: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func exportFilename(rec Record) string {
	return fmt.Sprintf("%s_%s_%d.json",
		strings.ToLower(rec.Request.Method),
		sanitizePath(urlPath(rec.Request.URL)),
		time.Now().UnixMilli())
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

// sanitizePath replaces every non-alphanumeric character with an underscore
// and truncates the result to 50 characters.
func sanitizePath(p string) string {
	var b strings.Builder
	for _, r := range p {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > maxSanitizedPathLen {
		s = s[:maxSanitizedPathLen]
	}
	return s
}
