package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-im/parley/pkg/models"
)

// NewMemoryStores creates in-memory stores for tests and local runs.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Users:    &memoryUserStore{users: map[string]*models.User{}},
		Devices:  &memoryDeviceStore{devices: map[string]*models.Device{}},
		Rooms:    newMemoryRoomStore(),
		Messages: &memoryMessageStore{byRoom: map[string][]*models.Message{}},
	}
}

type memoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func (s *memoryUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *memoryUserStore) Create(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, ok := s.users[user.ID]; ok {
		return ErrAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

type memoryDeviceStore struct {
	mu sync.RWMutex
	// Keyed by userID: the invariant is one device row per user, so the
	// map shape itself enforces it.
	devices map[string]*models.Device
}

func (s *memoryDeviceStore) Find(ctx context.Context, userID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (s *memoryDeviceStore) Upsert(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *device
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.devices[device.UserID] = &clone
	return nil
}

func (s *memoryDeviceStore) DeleteOthers(ctx context.Context, userID, exceptDeviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[userID]; ok && device.DeviceID != exceptDeviceID {
		delete(s.devices, userID)
	}
	return nil
}

type memoryRoomStore struct {
	mu           sync.RWMutex
	rooms        map[string]*models.Room
	participants map[string]map[string]*models.Participant
}

func newMemoryRoomStore() *memoryRoomStore {
	return &memoryRoomStore{
		rooms:        map[string]*models.Room{},
		participants: map[string]map[string]*models.Participant{},
	}
}

func (s *memoryRoomStore) Create(ctx context.Context, room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if _, ok := s.rooms[room.ID]; ok {
		return ErrAlreadyExists
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	clone := *room
	s.rooms[room.ID] = &clone
	return nil
}

func (s *memoryRoomStore) Get(ctx context.Context, id string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *room
	return &clone, nil
}

func (s *memoryRoomStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[p.RoomID]; !ok {
		return ErrNotFound
	}
	members, ok := s.participants[p.RoomID]
	if !ok {
		members = map[string]*models.Participant{}
		s.participants[p.RoomID] = members
	}
	if _, ok := members[p.UserID]; ok {
		return ErrAlreadyExists
	}
	clone := *p
	if clone.JoinedAt.IsZero() {
		clone.JoinedAt = time.Now()
	}
	members[p.UserID] = &clone
	return nil
}

func (s *memoryRoomStore) GetParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

type memoryMessageStore struct {
	mu     sync.RWMutex
	byRoom map[string][]*models.Message
}

func (s *memoryMessageStore) Create(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	// Reflect generated fields back to the caller.
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	s.byRoom[msg.RoomID] = append(s.byRoom[msg.RoomID], &clone)
	return nil
}

func (s *memoryMessageStore) List(ctx context.Context, roomID string, page, limit int) ([]*models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.byRoom[roomID]
	total := len(all)
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	// Newest first.
	desc := make([]*models.Message, total)
	for i, msg := range all {
		clone := *msg
		desc[total-1-i] = &clone
	}
	sort.SliceStable(desc, func(i, j int) bool { return desc[i].CreatedAt.After(desc[j].CreatedAt) })
	start := (page - 1) * limit
	if start >= total {
		return []*models.Message{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return desc[start:end], total, nil
}

func (s *memoryMessageStore) History(ctx context.Context, roomID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.byRoom[roomID]
	out := make([]*models.Message, 0, len(all))
	for _, msg := range all {
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}
