package engine

import (
	"errors"
	"fmt"
	"sync"
)

var errEmptyTitle = errors.New("title cannot be empty")

func errUnknownType(resourceType string) error {
	return fmt.Errorf("unknown resource type %q", resourceType)
}

// Catalog is the ordered set of resource declarations for one run.
// It is sealed by Compile and read-only afterwards.
type Catalog struct {
	mu        sync.RWMutex
	schemas   SchemaSet
	resources []*Resource
	index     map[Identity]*Resource
	sealed    bool
}

// NewCatalog creates an empty catalog using the default resource types.
func NewCatalog() *Catalog {
	return NewCatalogWithSchemas(DefaultSchemas())
}

// NewCatalogWithSchemas creates an empty catalog restricted to the given types.
func NewCatalogWithSchemas(schemas SchemaSet) *Catalog {
	return &Catalog{
		schemas: schemas,
		index:   make(map[Identity]*Resource),
	}
}

// Declare adds a resource to the catalog. The attributes are validated
// against the type schema and deep-copied.
func (c *Catalog) Declare(resourceType, title string, attrs Attributes) (*Resource, error) {
	id := NewIdentity(resourceType, title)
	if id.Title == "" {
		return nil, NewInvalidAttributeError(id, "title", errEmptyTitle)
	}

	schema, ok := c.schemas.Lookup(id.Type)
	if !ok {
		return nil, NewInvalidAttributeError(id, "type", errUnknownType(id.Type))
	}

	normalized, err := schema.Normalize(id, attrs)
	if err != nil {
		return nil, err
	}

	r := &Resource{
		id:         id,
		attributes: normalized,
		schema:     schema,
	}
	if r.requires, err = parseRefs(id, AttrRequire, normalized); err != nil {
		return nil, err
	}
	if r.befores, err = parseRefs(id, AttrBefore, normalized); err != nil {
		return nil, err
	}
	if r.subscribes, err = parseRefs(id, AttrSubscribe, normalized); err != nil {
		return nil, err
	}
	if r.notifies, err = parseRefs(id, AttrNotify, normalized); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return nil, &EngineError{
			Class:    ErrorClassStructural,
			Code:     ErrCodeCatalogSealed,
			Message:  "catalog is compiled and can no longer change",
			Resource: id.String(),
		}
	}
	if _, exists := c.index[id]; exists {
		return nil, NewDuplicateResourceError(id)
	}

	r.index = len(c.resources)
	c.resources = append(c.resources, r)
	c.index[id] = r
	return r, nil
}

// Get returns the resource with the given identity.
func (c *Catalog) Get(id Identity) (*Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.index[id]
	return r, ok
}

// Lookup returns the resource for a "Type[title]" reference.
func (c *Catalog) Lookup(ref string) (*Resource, bool) {
	id, err := ParseReference(ref)
	if err != nil {
		return nil, false
	}
	return c.Get(id)
}

// Resources returns the resources in declaration order.
func (c *Catalog) Resources() []*Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Resource(nil), c.resources...)
}

// Len returns the number of declared resources.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resources)
}

// Schemas returns the resource types accepted by the catalog.
func (c *Catalog) Schemas() SchemaSet {
	return c.schemas
}

// Sealed reports whether the catalog has been compiled.
func (c *Catalog) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

func (c *Catalog) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

func parseRefs(id Identity, attribute string, attrs Attributes) ([]Identity, error) {
	raw, ok := attrs.Strings(attribute)
	if !ok {
		return nil, nil
	}
	seen := make(map[Identity]bool, len(raw))
	refs := make([]Identity, 0, len(raw))
	for _, s := range raw {
		ref, err := ParseReference(s)
		if err != nil {
			return nil, NewInvalidAttributeError(id, attribute, err)
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs, nil
}
