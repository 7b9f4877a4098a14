package api

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Presigner hands out temporary download links for stored objects.
type Presigner interface {
	Key(elem ...string) string
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Store holds the backends of the API. Routes whose backend is nil are not
// served.
type Store struct {
	ORM   *gorm.DB
	Links Presigner
}
