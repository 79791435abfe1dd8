package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Follower delivery types.
const (
	DeliveryOnline = "online"
	DeliveryEmail  = "email"
)

// FollowerAll is the object_pk sentinel meaning "every instance of the model".
const FollowerAll = "all"

// FollowerArgs is the optional filter attached to a subscription. Sub lists
// the related sub-entity models the follower cares about; empty means all.
type FollowerArgs struct {
	Sub []string `json:"sub,omitempty"`
}

// Follower is one subscription row.
type Follower struct {
	ID       int64
	Username string
	Model    string
	ObjectPK string
	Type     string
	Args     *FollowerArgs
}

// CreateFollower inserts a subscription and returns its id.
func (s *Store) CreateFollower(ctx context.Context, f *Follower) (int64, error) {
	var args any
	if f.Args != nil {
		raw, err := json.Marshal(f.Args)
		if err != nil {
			return 0, fmt.Errorf("encode follower args: %w", err)
		}
		args = raw
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO follower (username, model, object_pk, type, args)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		f.Username, f.Model, f.ObjectPK, f.Type, args).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create follower: %w", err)
	}
	return id, nil
}

// ActiveFollowers returns all subscriptions whose user is active, ordered by
// id. The notification worker snapshots this list once at startup.
func (s *Store) ActiveFollowers(ctx context.Context) ([]Follower, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT f.id, f.username, f.model, f.object_pk, f.type, f.args
		 FROM follower f
		 JOIN users u ON u.username = f.username
		 WHERE u.active
		 ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("active followers: %w", err)
	}
	defer rows.Close()

	var out []Follower
	for rows.Next() {
		var (
			f    Follower
			args []byte
		)
		if err := rows.Scan(&f.ID, &f.Username, &f.Model, &f.ObjectPK, &f.Type, &args); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		if len(args) > 0 {
			f.Args = &FollowerArgs{}
			if err := json.Unmarshal(args, f.Args); err != nil {
				return nil, fmt.Errorf("decode args of follower %d: %w", f.ID, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FollowersOfUser returns one user's subscriptions ordered by id.
func (s *Store) FollowersOfUser(ctx context.Context, username string) ([]Follower, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, model, object_pk, type, args
		 FROM follower WHERE username = $1 ORDER BY id`, username)
	if err != nil {
		return nil, fmt.Errorf("followers of %q: %w", username, err)
	}
	defer rows.Close()

	var out []Follower
	for rows.Next() {
		var (
			f    Follower
			args []byte
		)
		if err := rows.Scan(&f.ID, &f.Username, &f.Model, &f.ObjectPK, &f.Type, &args); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		if len(args) > 0 {
			f.Args = &FollowerArgs{}
			if err := json.Unmarshal(args, f.Args); err != nil {
				return nil, fmt.Errorf("decode args of follower %d: %w", f.ID, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Notification is one per-recipient delivery record.
type Notification struct {
	ID         int64
	CommentID  int64
	Username   string
	Status     string
	Type       string
	FollowerID *int64
}

// CreateNotificationTx inserts a notification row within tx.
func CreateNotificationTx(ctx context.Context, tx pgx.Tx, commentID int64, username, delivery string, followerID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO notification (comment_id, username, type, follower_id)
		 VALUES ($1, $2, $3, $4)`,
		commentID, username, delivery, followerID)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// NotificationsForUser returns a user's notifications, unread first,
// newest-first within each group.
func (s *Store) NotificationsForUser(ctx context.Context, username string, limit int) ([]Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, comment_id, username, status, type, follower_id
		 FROM notification
		 WHERE username = $1
		 ORDER BY status DESC, id DESC
		 LIMIT $2`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("notifications for %q: %w", username, err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.CommentID, &n.Username, &n.Status, &n.Type, &n.FollowerID); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountNotifications returns the number of notification rows for an event.
func (s *Store) CountNotifications(ctx context.Context, commentID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notification WHERE comment_id = $1`, commentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

// User is one row of the minimal user store. Permissions holds flat strings
// like "demand.view".
type User struct {
	Username    string
	Email       string
	FirstName   string
	LastName    string
	Active      bool
	Superuser   bool
	Permissions []string
}

// HasPerm reports whether the user holds the named permission. Superusers
// hold every permission.
func (u *User) HasPerm(perm string) bool {
	if u.Superuser {
		return true
	}
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	if u.Permissions == nil {
		perms = []byte("[]")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (username, email, first_name, last_name, active, superuser, permissions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.Username, u.Email, u.FirstName, u.LastName, u.Active, u.Superuser, perms)
	if err != nil {
		return fmt.Errorf("create user %q: %w", u.Username, err)
	}
	return nil
}

// GetUser returns the named user, or nil when not found.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	var (
		u     User
		perms []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT username, email, first_name, last_name, active, superuser, permissions
		 FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.Email, &u.FirstName, &u.LastName, &u.Active, &u.Superuser, &perms)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	if err := json.Unmarshal(perms, &u.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions of %q: %w", username, err)
	}
	return &u, nil
}

// ActiveUsers returns all active users keyed by username.
func (s *Store) ActiveUsers(ctx context.Context) (map[string]*User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, email, first_name, last_name, active, superuser, permissions
		 FROM users WHERE active ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*User)
	for rows.Next() {
		var (
			u     User
			perms []byte
		)
		if err := rows.Scan(&u.Username, &u.Email, &u.FirstName, &u.LastName,
			&u.Active, &u.Superuser, &perms); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if err := json.Unmarshal(perms, &u.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions of %q: %w", u.Username, err)
		}
		out[u.Username] = &u
	}
	return out, rows.Err()
}
