package identity

import (
	"time"

	"github.com/google/uuid"
)

// User is a person who owns calendars or books appointments. Credentials are
// held by the external identity provider; the user id is the token subject.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
