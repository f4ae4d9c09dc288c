package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
)

// GroupPersister saves the full group set. Implementations must not retain
// the slice.
type GroupPersister interface {
	SaveGroups(ctx context.Context, groups []model.GroupDescriptor) error
}

// GroupRegistry stores every known group. Names are not required to be
// unique; lookups resolve to the earliest group added under a name.
type GroupRegistry struct {
	mu      sync.Mutex
	groups  []model.GroupDescriptor // insertion order
	byName  map[string]int          // name -> index of first group with that name
	persist GroupPersister          // nil disables persistence
}

// NewGroupRegistry creates a registry seeded with initial, which is copied.
// Invalid descriptors in initial are kept; they were accepted by an earlier
// run and dropping them would lose history.
func NewGroupRegistry(p GroupPersister, initial []model.GroupDescriptor) *GroupRegistry {
	r := &GroupRegistry{
		groups:  make([]model.GroupDescriptor, 0, len(initial)),
		byName:  make(map[string]int, len(initial)),
		persist: p,
	}
	for _, g := range initial {
		r.insertLocked(g.Clone())
	}
	return r
}

func (r *GroupRegistry) insertLocked(g model.GroupDescriptor) {
	if _, exists := r.byName[g.Name]; !exists {
		r.byName[g.Name] = len(r.groups)
	}
	r.groups = append(r.groups, g)
}

func (r *GroupRegistry) saveLocked() error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.SaveGroups(context.Background(), r.groups); err != nil {
		return fmt.Errorf("%w: groups: %w", ErrPersistence, err)
	}
	return nil
}

func (r *GroupRegistry) findLocked(name string) (*model.GroupDescriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return &r.groups[i], true
}

// FindByName returns a copy of the group with the exact (case-sensitive)
// name.
func (r *GroupRegistry) FindByName(name string) (model.GroupDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.findLocked(name)
	if !ok {
		return model.GroupDescriptor{}, false
	}
	return g.Clone(), true
}

// Add validates and stores a copy of g, then persists the group set. A
// persistence error is returned but the group stays registered.
func (r *GroupRegistry) Add(g model.GroupDescriptor) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("registry: add group %q: %w", g.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(g.Clone())
	return r.saveLocked()
}

// AppendMessage appends a copy of msg to the named group's history and
// persists. It reports false if no such group exists.
func (r *GroupRegistry) AppendMessage(name string, msg model.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.findLocked(name)
	if !ok {
		return false, nil
	}
	g.History = append(g.History, msg.Clone())
	return true, r.saveLocked()
}

// ForMembersExcept returns the members of the named group other than
// excluded, in membership order.
func (r *GroupRegistry) ForMembersExcept(name, excluded string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.findLocked(name)
	if !ok {
		return nil, false
	}
	return lo.Without(g.Members, excluded), true
}

// RouteMessage handles a message addressed to a group. Under one lock it
// computes the recipients (members other than the sender), calls deliver,
// appends the message to the history and persists. Holding the lock across
// all three keeps every recipient's delivery order equal to history order.
// deliver must not block.
//
// It reports false, without calling deliver, if no group has that name.
func (r *GroupRegistry) RouteMessage(msg model.Message, deliver func(recipients []string)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.findLocked(msg.Recipient)
	if !ok {
		return false, nil
	}
	deliver(lo.Without(g.Members, msg.Sender))
	g.History = append(g.History, msg.Clone())
	return true, r.saveLocked()
}

// ForMember returns copies of every group that lists identity as a member.
func (r *GroupRegistry) ForMember(identity string) []model.GroupDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := lo.Filter(r.groups, func(g model.GroupDescriptor, _ int) bool {
		return g.HasMember(identity)
	})
	return lo.Map(matched, func(g model.GroupDescriptor, _ int) model.GroupDescriptor {
		return g.Clone()
	})
}

// All returns copies of every group in insertion order.
func (r *GroupRegistry) All() []model.GroupDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.groups, func(g model.GroupDescriptor, _ int) model.GroupDescriptor {
		return g.Clone()
	})
}

// Len returns the number of stored groups, duplicates included.
func (r *GroupRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
