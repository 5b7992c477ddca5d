package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"song-fulfillment/internal/models"
)

// CreateOrder records a paid order and its quiz. Re-submitting the same ids is a no-op.
func (s *Store) CreateOrder(ctx context.Context, o models.Order, q models.Quiz) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, customer_email, customer_name, created_at)
			VALUES ($1, $2, $3, COALESCE($4, NOW()))
			ON CONFLICT (id) DO NOTHING
		`, o.ID, o.CustomerEmail, o.CustomerName, nullTime(o.CreatedAt)); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO quizzes (id, order_id, recipient_name, relationship, occasion, genre, mood, voice_preference, story, language)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, q.ID, o.ID, q.RecipientName, q.Relationship, q.Occasion, q.Genre, q.Mood, q.VoicePreference, q.Story, q.Language); err != nil {
			return fmt.Errorf("insert quiz: %w", err)
		}
		return nil
	})
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	var o models.Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_email, customer_name, created_at FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.CustomerEmail, &o.CustomerName, &o.CreatedAt)
	if err != nil {
		return models.Order{}, notFound(err, "order")
	}
	return o, nil
}

// GetQuiz fetches a quiz brief by id.
func (s *Store) GetQuiz(ctx context.Context, id string) (models.Quiz, error) {
	var q models.Quiz
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, recipient_name, relationship, occasion, genre, mood, voice_preference, story, language
		FROM quizzes WHERE id = $1
	`, id).Scan(&q.ID, &q.OrderID, &q.RecipientName, &q.Relationship, &q.Occasion, &q.Genre, &q.Mood, &q.VoicePreference, &q.Story, &q.Language)
	if err != nil {
		return models.Quiz{}, notFound(err, "quiz")
	}
	return q, nil
}
