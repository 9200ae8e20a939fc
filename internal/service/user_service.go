package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/db"
)

// ErrInvalidCredentials is returned when a username/password pair does not match
var ErrInvalidCredentials = errors.New("invalid credentials")

// CreateUser creates a new user with a bcrypt hashed password
func CreateUser(ctx context.Context, dbConn *gorm.DB, username, password string) (*db.User, error) {
	if username == "" || password == "" {
		return nil, invalid("", "username and password cannot be empty")
	}
	if len(password) < 6 {
		return nil, invalid("password", "must be at least 6 characters long")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := db.User{
		Username: username,
		Password: string(hashed),
	}
	if err := dbConn.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fatal("create user", err)
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by username
func GetUserByUsername(ctx context.Context, dbConn *gorm.DB, username string) (*db.User, error) {
	var user db.User
	err := dbConn.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Authenticate checks password against the stored hash of username
func Authenticate(ctx context.Context, dbConn *gorm.DB, username, password string) (*db.User, error) {
	user, err := GetUserByUsername(ctx, dbConn, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fatal("get user", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// DeleteUser removes username. Deleting an unknown user is not an error.
func DeleteUser(ctx context.Context, dbConn *gorm.DB, username string) error {
	if err := dbConn.WithContext(ctx).Where("username = ?", username).Delete(&db.User{}).Error; err != nil {
		return fatal("delete user", err)
	}
	return nil
}
