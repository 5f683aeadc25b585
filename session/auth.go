package session

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrBadCredentials indicates a failed authentication attempt.
var ErrBadCredentials = errors.New("invalid credentials")

// Authenticator verifies the credentials carried by an AUTH command and
// returns the identity to attach to the session. A nil Authenticator on a
// session authenticates every connection under its remote address.
type Authenticator interface {
	Authenticate(credentials string) (identity string, err error)
}

type userRecord struct {
	name     string
	email    string
	password string
}

// FileAuthenticator is a user store backed by a plain text file of
// name|email|password lines. Credentials on the wire are email:password.
type FileAuthenticator struct {
	mu    sync.RWMutex
	path  string
	users map[string]userRecord
}

// NewFileAuthenticator loads the user database at path, creating an empty
// file when none exists.
func NewFileAuthenticator(path string) (*FileAuthenticator, error) {
	a := &FileAuthenticator{
		path:  path,
		users: make(map[string]userRecord),
	}

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening user database: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		a.users[parts[1]] = userRecord{name: parts[0], email: parts[1], password: parts[2]}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading user database: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewFileAuthenticator",
		"path":     path,
		"users":    len(a.users),
	}).Info("Loaded user database")

	return a, nil
}

// Authenticate checks an email:password pair against the store and
// returns the user's display name.
func (a *FileAuthenticator) Authenticate(credentials string) (string, error) {
	email, password, ok := strings.Cut(credentials, ":")
	if !ok {
		return "", ErrBadCredentials
	}

	a.mu.RLock()
	user, found := a.users[email]
	a.mu.RUnlock()

	if !found || user.password != password {
		logrus.WithFields(logrus.Fields{
			"function": "Authenticate",
			"email":    email,
		}).Warn("Authentication failed")
		return "", ErrBadCredentials
	}
	return user.name, nil
}

// Signup registers a new user and appends it to the backing file. It
// fails when the email is already taken.
func (a *FileAuthenticator) Signup(name, email, password string) error {
	if name == "" || email == "" || password == "" {
		return errors.New("name, email and password are required")
	}
	if strings.ContainsAny(name+email+password, "|\n") {
		return errors.New("credentials must not contain '|' or newlines")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.users[email]; exists {
		return fmt.Errorf("user %s already exists", email)
	}

	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening user database: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s|%s|%s\n", name, email, password); err != nil {
		return fmt.Errorf("writing user record: %w", err)
	}

	a.users[email] = userRecord{name: name, email: email, password: password}

	logrus.WithFields(logrus.Fields{
		"function": "Signup",
		"email":    email,
	}).Info("Registered new user")

	return nil
}
