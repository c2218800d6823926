package handlers

import (
	"context"
	"fmt"

	"github.com/starford/offsync/internal/models"
)

// Folder is a Files handler whose manifest also lists child resources.
type Folder struct {
	*Files
}

// NewFolder wraps f as a container.
func NewFolder(f *Files) *Folder {
	return &Folder{Files: f}
}

// Children returns the child resources declared by the manifest.
func (d *Folder) Children(ctx context.Context, res models.Resource) ([]models.Resource, error) {
	m, err := d.manifest(ctx, res.Key, true)
	if err != nil {
		return nil, fmt.Errorf("handlers: manifest %s: %w", res.Key, err)
	}
	out := make([]models.Resource, 0, len(m.Children))
	for _, c := range m.Children {
		if c.Key.SiteID == "" {
			c.Key.SiteID = res.Key.SiteID
		}
		out = append(out, c)
	}
	return out, nil
}
