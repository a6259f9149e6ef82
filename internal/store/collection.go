package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Collection gives typed access to the entities of one type.
type Collection[T any, PT interface {
	*T
	models.Entity
}] struct {
	st   *Store
	name string
}

// NewCollection returns the collection of PT entities.
func NewCollection[T any, PT interface {
	*T
	models.Entity
}](st *Store) *Collection[T, PT] {
	return &Collection[T, PT]{st: st, name: PT(new(T)).EntityName()}
}

// Operations returns the operation collection.
func Operations(st *Store) *Collection[models.Operation, *models.Operation] {
	return NewCollection[models.Operation](st)
}

// Trips returns the trip collection.
func Trips(st *Store) *Collection[models.Trip, *models.Trip] {
	return NewCollection[models.Trip](st)
}

// Name returns the entity name of the collection.
func (c *Collection[T, PT]) Name() string {
	return c.name
}

// LoadOptions selects and orders a page of a collection.
type LoadOptions[PT any] struct {
	Offset        int
	Size          int // <= 0 loads everything after Offset
	SortBy        string
	SortDirection models.SortDirection
	Filter        func(PT) bool
	Trash         bool
}

// SaveAllOptions configures SaveAll.
type SaveAllOptions struct {
	// Reset removes every entity of the collection before saving.
	Reset bool
}

// Load returns the entity with the given id, or ErrNotFound.
func (c *Collection[T, PT]) Load(id int64) (PT, error) {
	var out PT
	err := c.st.db.View(func(tx *bolt.Tx) error {
		b, err := entityBucket(tx, bucketEntities, c.name)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		out, err = c.decode(v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s#%d: %w", c.name, id, err)
	}
	return out, nil
}

// LoadAll returns the filtered, sorted page and the count of all matches.
func (c *Collection[T, PT]) LoadAll(opts LoadOptions[PT]) (models.LoadResult[PT], error) {
	var all []PT
	parent := bucketEntities
	if opts.Trash {
		parent = bucketTrash
	}
	err := c.st.db.View(func(tx *bolt.Tx) error {
		b, err := entityBucket(tx, parent, c.name)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			e, err := c.decode(v)
			if err != nil {
				return err
			}
			if opts.Filter == nil || opts.Filter(e) {
				all = append(all, e)
			}
			return nil
		})
	})
	if err != nil {
		return models.LoadResult[PT]{}, fmt.Errorf("load all %s: %w", c.name, err)
	}

	models.SortEntities(all, opts.SortBy, opts.SortDirection)
	return models.LoadResult[PT]{Data: models.Window(all, opts.Offset, opts.Size), Total: len(all)}, nil
}

// LoadAllTrash lists trashed entities, most recently trashed first unless
// opts sorts otherwise.
func (c *Collection[T, PT]) LoadAllTrash(opts LoadOptions[PT]) (models.LoadResult[PT], error) {
	opts.Trash = true
	if opts.SortBy == "" {
		opts.SortBy, opts.SortDirection = "updateDate", models.SortDesc
	}
	return c.LoadAll(opts)
}

// WatchAll emits the LoadAll result now and again after every change to the
// collection, until ctx is done. Reload failures close the stream.
func (c *Collection[T, PT]) WatchAll(ctx context.Context, opts LoadOptions[PT]) (<-chan models.LoadResult[PT], error) {
	changes, cancel := c.st.subscribe(c.name)
	first, err := c.LoadAll(opts)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan models.LoadResult[PT], 1)
	out <- first
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
			}
			res, err := c.LoadAll(opts)
			if err != nil {
				return
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Save upserts e by id. A new entity (id 0) receives the next local id.
func (c *Collection[T, PT]) Save(e PT) (PT, error) {
	saved, err := c.SaveAll([]PT{e}, SaveAllOptions{})
	if err != nil {
		return nil, err
	}
	return saved[0], nil
}

// SaveAll upserts every entity in one transaction.
func (c *Collection[T, PT]) SaveAll(entities []PT, opts SaveAllOptions) ([]PT, error) {
	var fresh int
	for _, e := range entities {
		if models.IsNewID(e.GetID()) {
			fresh++
		}
	}
	if fresh > 0 {
		ids, err := c.st.NextValues(c.name, fresh)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			if models.IsNewID(e.GetID()) {
				e.SetID(ids[0])
				ids = ids[1:]
			}
		}
	}

	err := c.st.db.Update(func(tx *bolt.Tx) error {
		if opts.Reset {
			root := tx.Bucket(bucketEntities)
			if root.Bucket([]byte(c.name)) != nil {
				if err := root.DeleteBucket([]byte(c.name)); err != nil {
					return err
				}
			}
		}
		b, err := entityBucket(tx, bucketEntities, c.name)
		if err != nil {
			return err
		}
		for _, e := range entities {
			if err := c.put(tx, b, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", c.name, err)
	}
	c.st.notify(c.name)
	return entities, nil
}

// DeleteMany removes the given ids. Missing ids are ignored.
func (c *Collection[T, PT]) DeleteMany(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.st.db.Update(func(tx *bolt.Tx) error {
		b, err := entityBucket(tx, bucketEntities, c.name)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.name, err)
	}
	c.st.notify(c.name)
	return nil
}

// MoveManyToTrash moves the given ids to the trash, stamping their update date.
func (c *Collection[T, PT]) MoveManyToTrash(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := c.st.db.Update(func(tx *bolt.Tx) error {
		b, err := entityBucket(tx, bucketEntities, c.name)
		if err != nil {
			return err
		}
		trash, err := entityBucket(tx, bucketTrash, c.name)
		if err != nil {
			return err
		}
		for _, id := range ids {
			v := b.Get(idKey(id))
			if v == nil {
				continue
			}
			var raw map[string]any
			dec := json.NewDecoder(bytes.NewReader(v))
			dec.UseNumber()
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("decode %s#%d: %w", c.name, id, err)
			}
			raw["updateDate"] = now
			data, err := json.Marshal(raw)
			if err != nil {
				return err
			}
			if err := trash.Put(idKey(id), data); err != nil {
				return err
			}
			if err := b.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("move %s to trash: %w", c.name, err)
	}
	c.st.notify(c.name)
	return nil
}

func (c *Collection[T, PT]) put(tx *bolt.Tx, b *bolt.Bucket, e PT) error {
	id := e.GetID()
	if models.IsNewID(id) {
		return fmt.Errorf("%s has no id", c.name)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s#%d: %w", c.name, id, err)
	}
	if models.IsLocalID(id) {
		if err := ensureCounterBelow(tx, c.name, id); err != nil {
			return err
		}
	}
	return b.Put(idKey(id), data)
}

func (c *Collection[T, PT]) decode(v []byte) (PT, error) {
	e := PT(new(T))
	if err := json.Unmarshal(v, e); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", c.name, err)
	}
	return e, nil
}
