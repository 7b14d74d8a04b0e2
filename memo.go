package accessctl

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// referenceMemo is a read-through cache for permissions and roles. Entries
// are shared and must be treated as read-only. Not-found results and errors
// are never stored.
type referenceMemo struct {
	repo      Repository
	permNames sync.Map // name -> *Permission
	permIDs   sync.Map // id -> *Permission
	roles     sync.Map // name -> *Role
	group     singleflight.Group
}

func newReferenceMemo(repo Repository) *referenceMemo {
	return &referenceMemo{repo: repo}
}

func (m *referenceMemo) permissionByName(ctx context.Context, name string) (*Permission, error) {
	if v, ok := m.permNames.Load(name); ok {
		return v.(*Permission), nil
	}
	v, err := m.load(ctx, "perm:name:"+name, func(ctx context.Context) (any, error) {
		p, err := m.repo.GetPermissionByName(ctx, name)
		if err != nil {
			return nil, err
		}
		m.storePermission(p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Permission), nil
}

func (m *referenceMemo) permissionByID(ctx context.Context, id string) (*Permission, error) {
	if v, ok := m.permIDs.Load(id); ok {
		return v.(*Permission), nil
	}
	v, err := m.load(ctx, "perm:id:"+id, func(ctx context.Context) (any, error) {
		p, err := m.repo.GetPermissionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		m.storePermission(p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Permission), nil
}

func (m *referenceMemo) roleByName(ctx context.Context, name string) (*Role, error) {
	if v, ok := m.roles.Load(name); ok {
		return v.(*Role), nil
	}
	v, err := m.load(ctx, "role:"+name, func(ctx context.Context) (any, error) {
		r, err := m.repo.GetRoleByName(ctx, name)
		if err != nil {
			return nil, err
		}
		m.roles.Store(name, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Role), nil
}

func (m *referenceMemo) storePermission(p *Permission) {
	m.permNames.Store(p.Name, p)
	m.permIDs.Store(p.ID, p)
}

// load collapses concurrent fetches of one key. The shared fetch runs
// detached from the caller that started it, so one canceled caller cannot
// fail the others. A waiter whose context ends first returns its own
// context error.
func (m *referenceMemo) load(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		return fetch(shared)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (m *referenceMemo) reset() {
	m.permNames.Clear()
	m.permIDs.Clear()
	m.roles.Clear()
}
