// Package account models persisted user accounts and adapts a
// storage.Repository into the lookups the auth guard needs.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

var (
	// ErrUsernameTaken is returned by Store.Create when another account
	// already holds the username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrUsernameImmutable is returned by Store.Update when the username of
	// an existing account would change.
	ErrUsernameImmutable = errors.New("username cannot be changed")
	// ErrInvalidAccount is returned when an account lacks a username or hash.
	ErrInvalidAccount = errors.New("invalid account")
)

// Document keys owned by Account itself. Fields cannot override them.
const (
	keyID           = "id"
	keyUsername     = "username"
	keyPasswordHash = "passwordHash"
)

// Account is a persisted identity.
type Account struct {
	ID           string
	Username     string
	PasswordHash string
	// Fields holds caller-defined attributes such as "disabled". They are
	// stored alongside the reserved keys and returned to clients.
	Fields map[string]any
}

// Field returns the value of a caller field.
func (a *Account) Field(name string) (any, bool) {
	v, ok := a.Fields[name]
	return v, ok
}

// Disabled reports whether the "disabled" field is set to true.
func (a *Account) Disabled() bool {
	v, _ := a.Field(FieldDisabled)
	b, _ := v.(bool)
	return b
}

// FieldDisabled is the conventional field used to switch an account off.
const FieldDisabled = "disabled"

// MarshalJSON renders the account for clients. The password hash is never
// included.
func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.flatten(false))
}

func (a *Account) flatten(withHash bool) map[string]any {
	doc := make(map[string]any, len(a.Fields)+3)
	maps.Copy(doc, a.Fields)
	doc[keyID] = a.ID
	doc[keyUsername] = a.Username
	if withHash {
		doc[keyPasswordHash] = a.PasswordHash
	} else {
		delete(doc, keyPasswordHash)
	}
	return doc
}

// encodeDocument returns the persisted form, including the password hash.
func encodeDocument(a *Account) ([]byte, error) {
	return json.Marshal(a.flatten(true))
}

// decodeDocument parses a persisted document into an Account and the raw
// field map used for filter evaluation.
func decodeDocument(data []byte) (*Account, map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding account document: %w", err)
	}
	a := &Account{Fields: make(map[string]any)}
	for k, v := range doc {
		switch k {
		case keyID:
			a.ID, _ = v.(string)
		case keyUsername:
			a.Username, _ = v.(string)
		case keyPasswordHash:
			a.PasswordHash, _ = v.(string)
		default:
			a.Fields[k] = v
		}
	}
	if a.ID == "" || a.Username == "" {
		return nil, nil, fmt.Errorf("decoding account document: %w", ErrInvalidAccount)
	}
	return a, doc, nil
}
