package auth

import (
	"fmt"
	"net/http"

	"github.com/coachport/chatsync/store"
)

// MockClient trusts an x-uid cookie. Dev and demo only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (store.UserID, error) {
	var uid string

	if c, err := r.Cookie("x-uid"); err == nil {
		uid = c.Value
	}

	if uid == "" {
		return "", fmt.Errorf("empty x-uid from cookie")
	}
	return store.UserID(uid), nil
}
