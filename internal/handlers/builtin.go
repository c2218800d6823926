package handlers

import (
	"log/slog"

	"github.com/starford/offsync/internal/content"
	"github.com/starford/offsync/internal/registry"
)

// Built-in type keys.
const (
	TypeResource = "resource"
	TypePage     = "page"
	TypeFolder   = "folder"
)

// RegisterBuiltin registers the resource, page and folder handlers.
func RegisterBuiltin(reg *registry.Registry, r Remote, cs *content.Store, meta MetaCache, logger *slog.Logger) error {
	hs := []registry.Handler{
		NewFiles(TypeResource, r, cs, meta, WithLogger(logger)),
		NewFiles(TypePage, r, cs, meta, WithLogger(logger), WithoutRevisions()),
		NewFolder(NewFiles(TypeFolder, r, cs, meta, WithLogger(logger))),
	}
	for _, h := range hs {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
