package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parley-im/parley/pkg/models"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a single
// coordinator process.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// NewPostgresStores creates postgres-backed stores using a DSN and applies
// the schema.
func NewPostgresStores(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("apply schema: %w", err)
	}

	return NewPostgresStoresFromDB(db), nil
}

// NewPostgresStoresFromDB wraps an existing *sql.DB. The caller keeps
// ownership of the handle unless the returned set's Close is used.
func NewPostgresStoresFromDB(db *sql.DB) StoreSet {
	return StoreSet{
		Users:    &pgUserStore{db: db},
		Devices:  &pgDeviceStore{db: db},
		Rooms:    &pgRoomStore{db: db},
		Messages: &pgMessageStore{db: db},
		closer:   db.Close,
	}
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate")
}

type pgUserStore struct {
	db *sql.DB
}

func (s *pgUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, created_at FROM users WHERE id = $1`, id)

	var user models.User
	if err := row.Scan(&user.ID, &user.Name, &user.Phone, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (s *pgUserStore) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, phone, created_at) VALUES ($1,$2,$3,$4)`,
		user.ID, user.Name, user.Phone, user.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

type pgDeviceStore struct {
	db *sql.DB
}

func (s *pgDeviceStore) Find(ctx context.Context, userID string) (*models.Device, error) {
	if userID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, token, created_at FROM devices WHERE user_id = $1`, userID)

	var device models.Device
	if err := row.Scan(&device.UserID, &device.DeviceID, &device.Token, &device.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find device: %w", err)
	}
	return &device, nil
}

func (s *pgDeviceStore) Upsert(ctx context.Context, device *models.Device) error {
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, device_id, token, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (device_id) DO UPDATE SET user_id = $1, token = $3`,
		device.UserID, device.DeviceID, device.Token, device.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *pgDeviceStore) DeleteOthers(ctx context.Context, userID, exceptDeviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE user_id = $1 AND device_id <> $2`,
		userID, exceptDeviceID)
	if err != nil {
		return fmt.Errorf("delete other devices: %w", err)
	}
	return nil
}

type pgRoomStore struct {
	db *sql.DB
}

func (s *pgRoomStore) Create(ctx context.Context, room *models.Room) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, title, is_group, created_by, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		room.ID, room.Title, room.IsGroup, room.CreatedBy, room.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func (s *pgRoomStore) Get(ctx context.Context, id string) (*models.Room, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, is_group, created_by, created_at FROM rooms WHERE id = $1`, id)

	var room models.Room
	if err := row.Scan(&room.ID, &room.Title, &room.IsGroup, &room.CreatedBy, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &room, nil
}

func (s *pgRoomStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (room_id, user_id, role, joined_at)
		 VALUES ($1,$2,$3,$4)`,
		p.RoomID, p.UserID, p.Role, p.JoinedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *pgRoomStore) GetParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, user_id, role, joined_at FROM participants
		 WHERE room_id = $1 AND user_id = $2`, roomID, userID)

	var p models.Participant
	if err := row.Scan(&p.RoomID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

type pgMessageStore struct {
	db *sql.DB
}

func (s *pgMessageStore) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, media_url, media_type, content_type, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.MediaURL, msg.MediaType, msg.ContentType, msg.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *pgMessageStore) List(ctx context.Context, roomID string, page, limit int) ([]*models.Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = $1`, roomID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, content, media_url, media_type, content_type, created_at
		 FROM messages WHERE room_id = $1
		 ORDER BY seq DESC
		 LIMIT $2 OFFSET $3`,
		roomID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// History returns messages in insertion order. created_at has microsecond
// resolution, so the database-assigned seq is the sort key: two writes
// landing in the same microsecond still read back in the order they committed.
func (s *pgMessageStore) History(ctx context.Context, roomID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, content, media_url, media_type, content_type, created_at
		 FROM messages WHERE room_id = $1
		 ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room history: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	out := []*models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.Content,
			&msg.MediaURL,
			&msg.MediaType,
			&msg.ContentType,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
