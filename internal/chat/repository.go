package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AppendRoomMessage(ctx context.Context, roomID int, sender Identity, text, imageURL string) (Receipt, error) {
	query := `
		INSERT INTO messages (room_id, user_id, text, image_url)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, created_at`

	var rec Receipt
	if err := r.db.QueryRowContext(ctx, query, roomID, sender.UserID, text, imageURL).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return Receipt{}, fmt.Errorf("%w: append room message: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (r *Repository) AppendDirectMessage(ctx context.Context, sender Identity, receiverID int, text, imageURL string) (Receipt, error) {
	query := `
		INSERT INTO direct_messages (sender_id, receiver_id, text, image_url)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, created_at`

	var rec Receipt
	if err := r.db.QueryRowContext(ctx, query, sender.UserID, receiverID, text, imageURL).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return Receipt{}, fmt.Errorf("%w: append direct message: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (r *Repository) RoomHistory(ctx context.Context, roomID int) ([]*Message, error) {
	query := `
		SELECT m.id, m.room_id, m.user_id, u.username, m.text, COALESCE(m.image_url, ''), m.created_at
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.room_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: room history: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var room int
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &room, &msg.SenderID, &msg.Username, &msg.Text, &msg.ImageURL, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: room history: %v", ErrStoreUnavailable, err)
		}
		msg.RoomID = intPtr(room)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: room history: %v", ErrStoreUnavailable, err)
	}
	return messages, nil
}

func (r *Repository) DirectHistory(ctx context.Context, userA, userB int) ([]*Message, error) {
	query := `
		SELECT dm.id, dm.sender_id, dm.receiver_id, u.username, dm.text, COALESCE(dm.image_url, ''), dm.created_at
		FROM direct_messages dm
		JOIN users u ON dm.sender_id = u.id
		WHERE (dm.sender_id = $1 AND dm.receiver_id = $2)
		   OR (dm.sender_id = $2 AND dm.receiver_id = $1)
		ORDER BY dm.created_at ASC, dm.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("%w: direct history: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var receiver int
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &receiver, &msg.Username, &msg.Text, &msg.ImageURL, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: direct history: %v", ErrStoreUnavailable, err)
		}
		msg.ReceiverID = intPtr(receiver)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: direct history: %v", ErrStoreUnavailable, err)
	}
	return messages, nil
}

func (r *Repository) Rooms(ctx context.Context) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: rooms: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name); err != nil {
			return nil, fmt.Errorf("%w: rooms: %v", ErrStoreUnavailable, err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rooms: %v", ErrStoreUnavailable, err)
	}
	return rooms, nil
}

func (r *Repository) RoomExists(ctx context.Context, roomID int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: room lookup: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}
