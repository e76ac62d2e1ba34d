// Package change turns local mutations of a document into an operation log
// and a patch that is folded into the materialized view straight away.
//
// A Context lives for one change set. It reads objects from an immutable
// cache, keeps the objects replaced during the change in an overlay and is
// not safe for concurrent use.
package change

import (
	"errors"
	"fmt"
	"maps"

	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/interpret"
	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

var (
	ErrObjectNotFound     = errors.New("change: target object does not exist")
	ErrPathObjectNotFound = errors.New("change: cannot find path object")
	ErrCounterOverwrite   = errors.New("change: cannot overwrite a counter, use increment")
	ErrOutOfBounds        = errors.New("change: index out of bounds")
	ErrUnsupported        = errors.New("change: unsupported target")
	ErrNoRoot             = errors.New("change: patch application produced no root")

	ErrExistingObject = oplog.ErrExistingObject
	ErrExplicitRowID  = oplog.ErrExplicitRowID
)

// ApplyPatchFunc folds a root patch into the previous root. It may write the
// objects it replaces into overlay and returns the new root.
type ApplyPatchFunc func(diff *patch.ObjectDiff, prev value.Value, overlay map[string]value.Value) (value.Value, error)

// PathElement is one step from the root towards a nested object: the key
// holding it and the id of the object expected there.
type PathElement struct {
	Key      value.Key `json:"key"`
	ObjectID string    `json:"objectId"`
}

// Step is shorthand for a map or table step.
func Step(key, objectID string) PathElement {
	return PathElement{Key: value.StringKey(key), ObjectID: objectID}
}

// IndexStep is shorthand for a list or text step.
func IndexStep(index int, objectID string) PathElement {
	return PathElement{Key: value.IndexKey(index), ObjectID: objectID}
}

type Option func(*Context)

// WithApplyPatch replaces the merge collaborator. Defaults to interpret.Apply.
func WithApplyPatch(fn ApplyPatchFunc) Option {
	return func(c *Context) { c.applyPatch = fn }
}

// WithUpdated seeds the overlay, e.g. to continue a change set.
func WithUpdated(updated map[string]value.Value) Option {
	return func(c *Context) { c.updated = maps.Clone(updated) }
}

// WithIDGenerator replaces the object id source.
func WithIDGenerator(gen oplog.IDGenerator) Option {
	return func(c *Context) { c.newID = gen }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

type Context struct {
	actor      string
	cache      map[string]value.Value
	updated    map[string]value.Value
	log        *oplog.Builder
	newID      oplog.IDGenerator
	applyPatch ApplyPatchFunc
	patches    []*patch.ObjectDiff
	logger     zerolog.Logger
}

// New returns a context writing as actor on top of cache. The cache is
// never modified.
func New(actor string, cache map[string]value.Value, opts ...Option) *Context {
	c := &Context{
		actor:      actor,
		cache:      cache,
		applyPatch: interpret.Apply,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.updated == nil {
		c.updated = make(map[string]value.Value)
	}
	c.log = oplog.NewBuilder(actor, c.newID)
	return c
}

func (c *Context) Actor() string { return c.actor }

// Ops returns the operations recorded so far.
func (c *Context) Ops() []oplog.Op { return c.log.Ops() }

// Changed reports whether any operation was recorded.
func (c *Context) Changed() bool { return c.log.Len() > 0 }

// Updated returns the overlay of objects replaced during this change.
func (c *Context) Updated() map[string]value.Value { return c.updated }

// Patches returns the root patch of every successful mutation in order.
func (c *Context) Patches() []*patch.ObjectDiff { return c.patches }

// GetObject returns the current version of an object, consulting the
// overlay before the cache.
func (c *Context) GetObject(objectID string) (value.Value, error) {
	if v, ok := c.updated[objectID]; ok {
		return v, nil
	}
	if v, ok := c.cache[objectID]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
}

// Root returns the current root map.
func (c *Context) Root() (*value.Map, error) {
	v, err := c.GetObject(value.RootID)
	if err != nil {
		return nil, err
	}
	return value.AsMap(v)
}

func targetID(path []PathElement) string {
	if len(path) == 0 {
		return value.RootID
	}
	return path[len(path)-1].ObjectID
}

// applyAt builds a fresh root patch, lets fn fill in the node at path and
// applies the result with a single collaborator call. Ops recorded by a
// failed mutation are discarded.
func (c *Context) applyAt(path []PathElement, fn func(sub *patch.ObjectDiff) error) error {
	mark := c.log.Len()
	err := c.applyRound(path, fn)
	if err != nil {
		c.log.Truncate(mark)
		c.logger.Debug().Err(err).Str("actor", c.actor).Str("object_id", targetID(path)).Msg("mutation rejected")
	}
	return err
}

func (c *Context) applyRound(path []PathElement, fn func(sub *patch.ObjectDiff) error) error {
	root := patch.New(value.RootID, patch.TypeMap)
	sub, err := c.subpatch(root, path)
	if err != nil {
		return err
	}
	if err := fn(sub); err != nil {
		return err
	}

	var prev value.Value
	if v, err := c.GetObject(value.RootID); err == nil {
		prev = v
	}
	scratch := maps.Clone(c.updated)
	if scratch == nil {
		scratch = make(map[string]value.Value)
	}
	next, err := c.applyPatch(root, prev, scratch)
	if err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	if next == nil {
		return ErrNoRoot
	}
	scratch[value.RootID] = next
	c.updated = scratch
	c.patches = append(c.patches, root)
	return nil
}
