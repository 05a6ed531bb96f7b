// Package directory is the boundary to the external user service. The engine
// only needs identity resolution at handshake time and profile lookups for
// notification preferences and moderation checks.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

type Directory interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	VerifyToken(ctx context.Context, token string) (string, error)
}

// HTTPDirectory talks to the user service over its internal REST API.
type HTTPDirectory struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPDirectory(endpoint string) *HTTPDirectory {
	return &HTTPDirectory{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *HTTPDirectory) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	url := fmt.Sprintf("%s/internal/users/%s", d.Endpoint, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return u, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return u, models.WrapDependency(err, "user directory unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return u, models.NewError(models.CodeNotFound, "user %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return u, models.NewError(models.CodeDependency, "user directory returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return u, models.WrapDependency(err, "decoding user %s", id)
	}
	return u, nil
}

func (d *HTTPDirectory) VerifyToken(ctx context.Context, token string) (string, error) {
	body := strings.NewReader(fmt.Sprintf(`{"token":%q}`, token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint+"/internal/tokens/verify", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", models.WrapDependency(err, "user directory unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", models.NewError(models.CodeUnauthorized, "token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return "", models.NewError(models.CodeDependency, "token verify returned %d", resp.StatusCode)
	}
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.WrapDependency(err, "decoding token verify response")
	}
	if out.UserID == "" {
		return "", models.NewError(models.CodeUnauthorized, "token rejected")
	}
	return out.UserID, nil
}

// StaticDirectory serves a fixed user set from memory. It backs tests and
// local runs where no user service is configured.
type StaticDirectory struct {
	mu     sync.RWMutex
	users  map[string]models.User
	tokens map[string]string

	// Insecure accepts any token as "<role>-<name>" and fabricates the user.
	// Local development only.
	Insecure bool
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		users:  make(map[string]models.User),
		tokens: make(map[string]string),
	}
}

// NewInsecureDirectory returns a directory that trusts every token. The
// token doubles as the user id; a "driver-", "mod-" or "admin-" prefix
// selects the role.
func NewInsecureDirectory() *StaticDirectory {
	d := NewStaticDirectory()
	d.Insecure = true
	return d
}

// Put registers a user and an accepted token for it.
func (d *StaticDirectory) Put(u models.User, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	if token != "" {
		d.tokens[token] = u.ID
	}
}

func (d *StaticDirectory) GetUser(ctx context.Context, id string) (models.User, error) {
	d.mu.RLock()
	u, ok := d.users[id]
	d.mu.RUnlock()
	if ok {
		return u, nil
	}
	if d.Insecure {
		return fabricate(id), nil
	}
	return models.User{}, models.NewError(models.CodeNotFound, "user %s not found", id)
}

func (d *StaticDirectory) VerifyToken(ctx context.Context, token string) (string, error) {
	d.mu.RLock()
	id, ok := d.tokens[token]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}
	if d.Insecure && token != "" {
		return token, nil
	}
	return "", models.NewError(models.CodeUnauthorized, "token rejected")
}

func fabricate(id string) models.User {
	role := models.RolePassenger
	switch {
	case strings.HasPrefix(id, "driver-"):
		role = models.RoleDriver
	case strings.HasPrefix(id, "mod-"):
		role = models.RoleModerator
	case strings.HasPrefix(id, "admin-"):
		role = models.RoleAdmin
	}
	return models.User{
		ID:          id,
		DisplayName: id,
		Role:        role,
		Prefs: models.NotificationPrefs{
			PushEnabled:      true,
			ProximityAlerts:  true,
			MessagePush:      true,
			TripStatusEvents: true,
		},
	}
}
