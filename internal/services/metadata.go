package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
)

// MetadataFileNames lists the files produced per job, in write order.
var MetadataFileNames = []string{"title.txt", "description.txt", "hashtags.txt"}

// NormalizeHashtags joins tags with spaces, forcing a leading '#' on each.
// Blank entries are dropped.
func NormalizeHashtags(tags []string) string {
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		normalized = append(normalized, tag)
	}
	return strings.Join(normalized, " ")
}

// WriteMetadataFiles materializes title.txt, description.txt and hashtags.txt
// in dir from the job's metadata overrides. Unset fields produce empty files.
// Returns the written paths in MetadataFileNames order.
func WriteMetadataFiles(dir string, meta models.MetadataOverrides) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}

	contents := map[string]string{
		"title.txt":       meta.Title,
		"description.txt": meta.Description,
		"hashtags.txt":    NormalizeHashtags(meta.Hashtags),
	}

	paths := make([]string, 0, len(MetadataFileNames))
	for _, name := range MetadataFileNames {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(contents[name]), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		paths = append(paths, path)
	}

	return paths, nil
}
