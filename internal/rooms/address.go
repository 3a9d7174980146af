package rooms

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes user rooms from question rooms.
type Kind string

const (
	KindUser     Kind = "user"
	KindQuestion Kind = "question"
)

var ErrInvalidAddress = errors.New("rooms: invalid address")

// Address identifies a broadcast group. The zero value is invalid.
type Address struct {
	Kind Kind
	ID   string
}

// User addresses the personal room of a user.
func User(userID string) Address {
	return Address{Kind: KindUser, ID: strings.TrimSpace(userID)}
}

// Question addresses the room of everyone viewing a question.
func Question(questionID string) Address {
	return Address{Kind: KindQuestion, ID: strings.TrimSpace(questionID)}
}

// Valid reports whether the address has a known kind and a non-empty id.
func (a Address) Valid() bool {
	return (a.Kind == KindUser || a.Kind == KindQuestion) && a.ID != ""
}

// String renders the address as "<kind>:<id>".
func (a Address) String() string {
	return string(a.Kind) + ":" + a.ID
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(raw string) (Address, error) {
	kind, id, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	address := Address{Kind: Kind(kind), ID: strings.TrimSpace(id)}
	if !address.Valid() {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return address, nil
}
