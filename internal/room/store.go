package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fundline/dealcall/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room already has two participants")
	ErrRoomEnded    = errors.New("room already ended")
	ErrUnknownPeer  = errors.New("unknown peer_id")
)

// Store holds the live call rooms, one per deal. Rooms are transient: they
// expire after a TTL of inactivity and disappear entirely once ended; the
// durable trace is the CallRecord row written by the handlers.
type Store struct {
	mu              sync.Mutex
	rooms           map[string]*models.Room
	statusIndex     map[models.RoomStatus]map[string]struct{}
	roomTTL         time.Duration
	cleanupInterval time.Duration
}

func NewStore() *Store {
	s := &Store{
		rooms: make(map[string]*models.Room),
		statusIndex: map[models.RoomStatus]map[string]struct{}{
			models.RoomStatusWaiting: {},
			models.RoomStatusActive:  {},
		},
		roomTTL:         30 * time.Minute,
		cleanupInterval: 3 * time.Hour,
	}
	go s.cleanupLoop()
	return s
}

// Open returns the room for dealID, creating it if none exists. Opening an
// already-open room is not an error: the second party calling initiate-call
// simply lands in the same room.
func (s *Store) Open(dealID, callRecordID string, now time.Time) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, err := s.loadActiveRoomLocked(dealID, now); err == nil {
		return r, nil
	} else if !errors.Is(err, ErrRoomNotFound) {
		return nil, err
	}

	r := &models.Room{
		DealID:       dealID,
		Status:       models.RoomStatusWaiting,
		CallRecordID: callRecordID,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.roomTTL),
	}
	s.rooms[dealID] = r
	s.syncStatusIndexLocked(dealID, r.Status)
	return r, nil
}

func (s *Store) GetByDeal(dealID string, now time.Time) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadActiveRoomLocked(dealID, now)
}

// ListByStatus returns rooms in the given status ordered by creation time.
func (s *Store) ListByStatus(status models.RoomStatus, limit int, now time.Time) []*models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(now)

	bucket, ok := s.statusIndex[status]
	if !ok || len(bucket) == 0 {
		return nil
	}

	rooms := make([]*models.Room, 0, len(bucket))
	for id := range bucket {
		if r, exists := s.rooms[id]; exists {
			rooms = append(rooms, r)
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].DealID < rooms[j].DealID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms
}

// Join admits a deal party into the room and returns their peer ID together
// with whether the other participant is already present. A returning user
// keeps their slot and peer ID; a third distinct user gets ErrRoomFull.
func (s *Store) Join(dealID, userID string, role models.DealRole, now time.Time) (peerID string, otherPresent bool, reconnected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.loadActiveRoomLocked(dealID, now)
	if err != nil {
		return "", false, false, err
	}

	slot := slotForUserLocked(r, userID)
	if slot == nil {
		return "", false, false, ErrRoomFull
	}

	reconnected = slot.PeerID != "" && !slot.IsPresent
	if slot.PeerID == "" {
		id, err := gonanoid.New(16)
		if err != nil {
			return "", false, false, err
		}
		slot.PeerID = id
		slot.UserID = userID
		slot.Role = role
		slot.JoinedAt = now
	}
	slot.IsPresent = true
	slot.DisconnectedAt = time.Time{}
	if reconnected {
		slot.ReconnectCount++
	}

	otherPresent = otherSlotLocked(r, slot).IsPresent

	if r.ParticipantsCount() == 2 {
		r.Status = models.RoomStatusActive
	}
	r.UpdatedAt = now
	r.ExpiresAt = now.Add(s.roomTTL)
	s.syncStatusIndexLocked(dealID, r.Status)

	return slot.PeerID, otherPresent, reconnected, nil
}

// MarkDisconnected flags a peer's presence as lost but keeps the room alive
// so a page reload can rejoin with the same slot.
func (s *Store) MarkDisconnected(dealID, peerID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[dealID]
	if !ok {
		return
	}

	p := r.ParticipantByPeer(peerID)
	if p == nil {
		return
	}
	p.IsPresent = false
	p.DisconnectedAt = now
	r.UpdatedAt = now
}

// End marks the room as ended and removes it, returning a snapshot.
func (s *Store) End(dealID string, now time.Time) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[dealID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	s.markEndedLocked(r, now)
	snapshot := *r
	s.removeRoomLocked(dealID)
	return &snapshot, nil
}

func slotForUserLocked(r *models.Room, userID string) *models.RoomParticipant {
	switch {
	case r.First.UserID == userID:
		return &r.First
	case r.Second.UserID == userID:
		return &r.Second
	case r.First.PeerID == "":
		return &r.First
	case r.Second.PeerID == "":
		return &r.Second
	default:
		return nil
	}
}

func otherSlotLocked(r *models.Room, p *models.RoomParticipant) *models.RoomParticipant {
	if p == &r.First {
		return &r.Second
	}
	return &r.First
}

func (s *Store) loadActiveRoomLocked(dealID string, now time.Time) (*models.Room, error) {
	r, ok := s.rooms[dealID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	if r.Status == models.RoomStatusEnded {
		s.removeRoomLocked(dealID)
		return nil, ErrRoomEnded
	}

	if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		s.markEndedLocked(r, now)
		s.removeRoomLocked(dealID)
		return nil, ErrRoomEnded
	}

	return r, nil
}

func (s *Store) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	for range ticker.C {
		s.mu.Lock()
		s.cleanupExpiredLocked(time.Now())
		s.mu.Unlock()
	}
}

func (s *Store) cleanupExpiredLocked(now time.Time) {
	for id, r := range s.rooms {
		if r.Status == models.RoomStatusEnded {
			s.removeRoomLocked(id)
			continue
		}
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			s.markEndedLocked(r, now)
			s.removeRoomLocked(id)
		}
	}
}

func (s *Store) markEndedLocked(r *models.Room, now time.Time) {
	r.Status = models.RoomStatusEnded
	r.UpdatedAt = now
	r.ExpiresAt = now
	r.First.IsPresent = false
	r.Second.IsPresent = false
}

func (s *Store) removeRoomLocked(dealID string) {
	delete(s.rooms, dealID)
	s.untrackStatusLocked(dealID)
}

func (s *Store) syncStatusIndexLocked(dealID string, status models.RoomStatus) {
	s.untrackStatusLocked(dealID)
	if bucket, ok := s.statusIndex[status]; ok {
		bucket[dealID] = struct{}{}
	}
}

func (s *Store) untrackStatusLocked(dealID string) {
	for _, bucket := range s.statusIndex {
		delete(bucket, dealID)
	}
}
