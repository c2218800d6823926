package metacache

import (
	"github.com/starford/offsync/internal/jsonpatch"
	"github.com/starford/offsync/internal/models"
)

// Entity state is cached under a synthetic component so it shares the
// resource invalidation paths.
const (
	entityComponent = "entity"
	entityStateName = "state"
)

func entityKey(siteID, entityID string) models.ResourceKey {
	return models.ResourceKey{SiteID: siteID, Component: entityComponent, ComponentID: entityID}
}

// PutEntity caches the remote state document of an entity.
func (c *Cache) PutEntity(siteID, entityID string, data []byte) error {
	return c.Put(entityKey(siteID, entityID), entityStateName, data)
}

// Entity returns the cached state document of an entity, fresh or not.
func (c *Cache) Entity(siteID, entityID string) ([]byte, bool) {
	return c.GetStale(entityKey(siteID, entityID), entityStateName)
}

// PatchEntity applies incremental updates to the cached entity state.
func (c *Cache) PatchEntity(siteID, entityID string, ops []jsonpatch.Operation) error {
	return c.Patch(entityKey(siteID, entityID), entityStateName, ops)
}

// InvalidateEntity drops the cached entity state.
func (c *Cache) InvalidateEntity(siteID, entityID string) error {
	_, err := c.InvalidateResource(entityKey(siteID, entityID))
	return err
}
