package graphkb

import (
	"context"
	"reflect"
)

// Repository gives typed access to the nodes of one store type. T's `kb`
// struct tags map attribute labels to fields.
type Repository[T any] struct {
	store *Store
	meta  *entityMetadata
}

// RepositoryFor creates a repository for T backed by s.
func RepositoryFor[T any](s *Store) (*Repository[T], error) {
	meta, err := parseTags[T]()
	if err != nil {
		return nil, err
	}
	return &Repository[T]{store: s, meta: meta}, nil
}

// Type returns the store type tag T maps to.
func (r *Repository[T]) Type() string {
	return r.meta.Type
}

// FindByID loads one entity. It returns ErrNotFound when no node matches.
func (r *Repository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	m, err := r.store.LoadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.decode(m)
}

// FindPage loads one page of entities along with its page info.
func (r *Repository[T]) FindPage(ctx context.Context, first int, after string) ([]*T, PageInfo, error) {
	conn, err := r.store.LoadAll(ctx, ListOptions{Type: r.meta.Type, First: first, After: after})
	if err != nil {
		return nil, PageInfo{}, err
	}
	out := make([]*T, 0, len(conn.Edges))
	for _, e := range conn.Edges {
		entity, err := r.decode(e.Node)
		if err != nil {
			return nil, PageInfo{}, err
		}
		out = append(out, entity)
	}
	return out, conn.PageInfo, nil
}

// Count returns the number of nodes of T's type.
func (r *Repository[T]) Count(ctx context.Context) (int64, error) {
	return r.store.Count(ctx, r.meta.Type)
}

// Delete removes the entity identified by id.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	_, err := r.store.DeleteByID(ctx, id)
	return err
}

func (r *Repository[T]) decode(m *AttributeMap) (*T, error) {
	entity := new(T)
	if err := decodeInto(m, reflect.ValueOf(entity).Elem(), r.meta); err != nil {
		return nil, err
	}
	return entity, nil
}
