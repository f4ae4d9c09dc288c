// Package registry holds the server's shared state: the credential store
// and the group registry, and the snapshotter that persists both.
//
// Every mutation persists a full snapshot of the mutated collection before
// the registry lock is released. A failed save is reported as
// ErrPersistence but the in-memory change is kept.
package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/datastore"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
)

// Snapshot names in the datastore.
const (
	GroupsSnapshot      = "groups"
	CredentialsSnapshot = "credentials"
)

const snapshotVersion = 1

var (
	// ErrPersistence means a snapshot could not be written.
	ErrPersistence = errors.New("registry: persistence failed")

	// ErrCorruptSnapshot means a stored snapshot could not be decoded.
	ErrCorruptSnapshot = errors.New("registry: corrupt snapshot")
)

// Snapshotter encodes registry state and stores it in a SnapshotStore.
type Snapshotter struct {
	store datastore.SnapshotStore
}

// NewSnapshotter wraps a snapshot store.
func NewSnapshotter(st datastore.SnapshotStore) *Snapshotter {
	return &Snapshotter{store: st}
}

// SaveGroups stores the full group set. groups is not retained.
func (s *Snapshotter) SaveGroups(ctx context.Context, groups []model.GroupDescriptor) error {
	return s.store.SaveSnapshot(ctx, GroupsSnapshot, EncodeGroups(groups))
}

// LoadGroups returns the stored group set, or nil if none was saved.
func (s *Snapshotter) LoadGroups(ctx context.Context) ([]model.GroupDescriptor, error) {
	data, err := s.store.LoadSnapshot(ctx, GroupsSnapshot)
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeGroups(data)
}

// SaveCredentials stores the full credential map. creds is not retained.
func (s *Snapshotter) SaveCredentials(ctx context.Context, creds map[string]string) error {
	return s.store.SaveSnapshot(ctx, CredentialsSnapshot, EncodeCredentials(creds))
}

// LoadCredentials returns the stored credential map, or nil if none was
// saved.
func (s *Snapshotter) LoadCredentials(ctx context.Context) (map[string]string, error) {
	data, err := s.store.LoadSnapshot(ctx, CredentialsSnapshot)
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeCredentials(data)
}

// EncodeGroups encodes a group set as [u8 version][u32 n][n * group].
func EncodeGroups(groups []model.GroupDescriptor) []byte {
	b := []byte{snapshotVersion}
	b = binary.BigEndian.AppendUint32(b, uint32(len(groups))) //nolint:gosec // in-memory collection size
	for _, g := range groups {
		b = protocol.AppendGroup(b, g)
	}
	return b
}

// DecodeGroups decodes the output of EncodeGroups.
func DecodeGroups(data []byte) ([]model.GroupDescriptor, error) {
	r, n, err := openSnapshot(data)
	if err != nil {
		return nil, err
	}
	groups := make([]model.GroupDescriptor, 0, min(n, r.Remaining()))
	for range n {
		groups = append(groups, r.ReadGroup())
		if r.Err() != nil {
			break
		}
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: groups: %w", ErrCorruptSnapshot, err)
	}
	return groups, nil
}

// EncodeCredentials encodes a credential map as [u8 version][u32 n][n * (user, stored)],
// ordered by username so equal maps encode identically.
func EncodeCredentials(creds map[string]string) []byte {
	users := make([]string, 0, len(creds))
	for u := range creds {
		users = append(users, u)
	}
	slices.Sort(users)

	b := []byte{snapshotVersion}
	b = binary.BigEndian.AppendUint32(b, uint32(len(users))) //nolint:gosec // in-memory collection size
	for _, u := range users {
		b = protocol.AppendString(b, u)
		b = protocol.AppendString(b, creds[u])
	}
	return b
}

// DecodeCredentials decodes the output of EncodeCredentials.
func DecodeCredentials(data []byte) (map[string]string, error) {
	r, n, err := openSnapshot(data)
	if err != nil {
		return nil, err
	}
	creds := make(map[string]string, min(n, r.Remaining()))
	for range n {
		user := r.ReadString()
		creds[user] = r.ReadString()
		if r.Err() != nil {
			break
		}
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: credentials: %w", ErrCorruptSnapshot, err)
	}
	return creds, nil
}

func openSnapshot(data []byte) (*protocol.Reader, int, error) {
	r := protocol.NewReader(data)
	if v := r.ReadUint8(); r.Err() == nil && v != snapshotVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}
	n := int(r.ReadUint32())
	if err := r.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: header: %w", ErrCorruptSnapshot, err)
	}
	return r, n, nil
}
