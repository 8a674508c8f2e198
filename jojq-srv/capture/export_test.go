package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/v1/items", "_api_v1_items"},
		{"/users/42/profile.json", "_users_42_profile_json"},
		{"", ""},
		{"/weird path/&x=1", "_weird_path__x_1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sanitizePath(tc.in), "path %q", tc.in)
	}

	long := "/" + strings.Repeat("a", 100)
	assert.Len(t, sanitizePath(long), 50)
}

func TestExportRecord(t *testing.T) {
	dir := t.TempDir()

	rec := Record{
		Ordinal: 3,
		Request: Request{
			URL:    "https://api.test/api/v1/items?page=2",
			Method: "GET",
		},
		Response: Response{
			StatusCode: 200,
			Body:       map[string]any{"items": []any{float64(1), float64(2)}},
		},
	}

	path, err := ExportRecord(rec, dir)
	require.NoError(t, err)

	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "get__api_v1_items_"), "unexpected name %q", name)
	assert.True(t, strings.HasSuffix(name, ".json"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Record
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, rec.Request.URL, loaded.Request.URL)
	assert.Equal(t, rec.Response.Body, loaded.Response.Body)
}

func TestExportAll(t *testing.T) {
	dir := t.TempDir()

	records := []Record{
		{Ordinal: 1, Request: Request{URL: "http://a.test/x", Method: "GET"}},
		{Ordinal: 2, Request: Request{URL: "http://b.test/y", Method: "POST"}},
	}

	path, err := ExportAll(records, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded []Record
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.Len(t, loaded, 2)
	assert.Equal(t, "http://a.test/x", loaded[0].Request.URL)
	assert.Equal(t, int64(2), loaded[1].Ordinal)
}
