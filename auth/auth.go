package auth

import (
	"net/http"

	"github.com/coachport/chatsync/store"
)

type Client interface {
	// Auth authenticates the current request, returning the user id.
	Auth(r *http.Request) (store.UserID, error)
}
