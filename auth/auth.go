// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package auth is the user store: registration, password
// verification, and the synthetic guest account.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrBadCredentials covers unknown user and wrong password alike;
	// login prompts must not reveal which.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrUserExists is returned for duplicate registration.
	ErrUserExists = errors.New("username already taken")
	// ErrInvalidName rejects names the BBS cannot accept.
	ErrInvalidName = errors.New("invalid username")
)

// nameRE bounds usernames: letters, digits, underscore, 2 to 16 runes,
// leading letter.
var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,15}$`)

// reservedNames cannot be registered.
var reservedNames = map[string]bool{
	"guest":    true,
	"new":      true,
	"sysop":    true,
	"chanserv": true,
}

// User is one account.
type User struct {
	ID           uint   `gorm:"primarykey"`
	Name         string `gorm:"uniqueIndex;size:16"`
	PasswordHash []byte
	Email        string
	Sysop        bool
	CreatedAt    time.Time
	LastSeen     time.Time
}

// IsGuest reports whether this is the synthetic guest account.
func (u *User) IsGuest() bool { return u.ID == 0 && strings.EqualFold(u.Name, "guest") }

// Store wraps the account database.
type Store struct {
	db  *gorm.DB
	log hclog.Logger
}

// Open opens (creating if needed) the sqlite store at path.
func Open(path string, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open user db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("migrate user db: %w", err)
	}
	return &Store{db: db, log: log.Named("auth")}, nil
}

// Register creates an account. The first registered account becomes
// the sysop.
func (s *Store) Register(name, password, email string) (*User, error) {
	if !nameRE.MatchString(name) || reservedNames[strings.ToLower(name)] {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if len(password) < 6 {
		return nil, errors.New("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.Model(&User{}).Count(&count).Error; err != nil {
		return nil, err
	}
	u := &User{
		Name:         name,
		PasswordHash: hash,
		Email:        email,
		Sysop:        count == 0,
		LastSeen:     time.Now(),
	}
	if err := s.db.Create(u).Error; err != nil {
		if existing, lerr := s.ByName(name); lerr == nil && existing != nil {
			return nil, fmt.Errorf("%q: %w", name, ErrUserExists)
		}
		return nil, err
	}
	s.log.Info("registered", "user", u.Name, "sysop", u.Sysop)
	return u, nil
}

// Authenticate verifies name and password and updates last-seen.
func (s *Store) Authenticate(name, password string) (*User, error) {
	u, err := s.ByName(name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		// Burn a comparison anyway so a missing user costs the same
		// as a wrong password.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password)) //nolint:errcheck
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		s.log.Warn("failed login", "user", name)
		return nil, ErrBadCredentials
	}
	prev := u.LastSeen
	u.LastSeen = time.Now()
	if err := s.db.Model(u).Update("last_seen", u.LastSeen).Error; err != nil {
		s.log.Warn("last-seen update failed", "user", name, "err", err)
	}
	u.LastSeen = prev // callers show the previous login time
	return u, nil
}

// ByName looks up an account case-insensitively. A missing account is
// (nil, nil).
func (s *Store) ByName(name string) (*User, error) {
	var u User
	err := s.db.Where("name = ? COLLATE NOCASE", name).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Count returns the number of accounts.
func (s *Store) Count() (int64, error) {
	var count int64
	err := s.db.Model(&User{}).Count(&count).Error
	return count, err
}

// Guest returns the synthetic guest account.
func (s *Store) Guest() *User {
	return &User{Name: "Guest", LastSeen: time.Now()}
}
