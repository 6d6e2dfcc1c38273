// Package identity resolves user profiles (display name, avatar) shown in
// presence lists.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUserNotFound = errors.New("user not found")

// UserModel is the GORM model for the users table.
type UserModel struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	DisplayName string    `gorm:"type:varchar(100)"`
	AvatarURL   string    `gorm:"type:varchar(512)"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for UserModel.
func (UserModel) TableName() string {
	return "users"
}

// Profile is the public part of a user.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

type cacheEntry struct {
	profile   Profile
	expiresAt time.Time
}

// Directory looks profiles up in the database. Hits are cached for ttl and
// concurrent misses for the same user share one query.
type Directory struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	sf    singleflight.Group
}

// NewDirectory creates a directory. A zero ttl disables caching.
func NewDirectory(db *gorm.DB, ttl time.Duration) *Directory {
	return &Directory{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Migrate creates the users table if needed.
func (d *Directory) Migrate() error {
	return d.db.AutoMigrate(&UserModel{})
}

// Lookup returns the profile of userID.
func (d *Directory) Lookup(ctx context.Context, userID string) (*Profile, error) {
	if p, ok := d.cached(userID); ok {
		return &p, nil
	}

	result, err, _ := d.sf.Do(userID, func() (interface{}, error) {
		return d.fetch(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	p, ok := result.(Profile)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return &p, nil
}

// Upsert creates or updates a profile and refreshes the cache.
func (d *Directory) Upsert(ctx context.Context, p Profile) error {
	model := &UserModel{ID: p.UserID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(model)
	if result.Error != nil {
		return fmt.Errorf("upsert user %s: %w", p.UserID, result.Error)
	}
	d.store(p)
	return nil
}

// Invalidate drops the cached profile of userID.
func (d *Directory) Invalidate(userID string) {
	d.mu.Lock()
	delete(d.cache, userID)
	d.mu.Unlock()
}

func (d *Directory) fetch(ctx context.Context, userID string) (Profile, error) {
	var model UserModel
	result := d.db.WithContext(ctx).First(&model, "id = ?", userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Profile{}, ErrUserNotFound
		}
		return Profile{}, fmt.Errorf("lookup user %s: %w", userID, result.Error)
	}

	p := Profile{UserID: model.ID, DisplayName: model.DisplayName, AvatarURL: model.AvatarURL}
	d.store(p)
	return p, nil
}

func (d *Directory) cached(userID string) (Profile, bool) {
	if d.ttl <= 0 {
		return Profile{}, false
	}
	d.mu.RLock()
	e, ok := d.cache[userID]
	d.mu.RUnlock()
	if !ok || d.now().After(e.expiresAt) {
		return Profile{}, false
	}
	return e.profile, true
}

func (d *Directory) store(p Profile) {
	if d.ttl <= 0 {
		return
	}
	d.mu.Lock()
	d.cache[p.UserID] = cacheEntry{profile: p, expiresAt: d.now().Add(d.ttl)}
	d.mu.Unlock()
}
