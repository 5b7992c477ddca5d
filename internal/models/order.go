package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("state conflict")
)

// Order is a paid customer order.
type Order struct {
	ID            string    `json:"id"`
	CustomerEmail string    `json:"customer_email"`
	CustomerName  string    `json:"customer_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Quiz is the customer's brief for the song.
type Quiz struct {
	ID              string `json:"id"`
	OrderID         string `json:"order_id"`
	RecipientName   string `json:"recipient_name"`
	Relationship    string `json:"relationship"`
	Occasion        string `json:"occasion"`
	Genre           string `json:"genre"`
	Mood            string `json:"mood"`
	VoicePreference string `json:"voice_preference"`
	Story           string `json:"story"`
	Language        string `json:"language"`
}
