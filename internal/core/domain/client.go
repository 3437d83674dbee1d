package domain

import "time"

type Client struct {
	ID        int64
	Name      string
	Address   *string
	APIKey    string
	CreatedAt time.Time
}
