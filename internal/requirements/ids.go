package requirements

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRowID indicates that a row identifier is empty or exceeds storage bounds.
	ErrInvalidRowID = errors.New("requirements: invalid row id")
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("requirements: invalid block id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("requirements: invalid actor id")
)

// RowID represents a validated row identifier.
type RowID string

// NewRowID validates raw input and returns a RowID.
func NewRowID(rawInput string) (RowID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidRowID)
	return RowID(trimmed), err
}

// String returns the underlying string identifier.
func (id RowID) String() string {
	return string(id)
}

// BlockID represents a validated block identifier. A block is one requirement table.
type BlockID string

// NewBlockID validates raw input and returns a BlockID.
func NewBlockID(rawInput string) (BlockID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidBlockID)
	return BlockID(trimmed), err
}

// String returns the underlying string identifier.
func (id BlockID) String() string {
	return string(id)
}

// ActorID represents the validated identifier of the user performing a write.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidActorID)
	return ActorID(trimmed), err
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// IDProvider issues identifiers for rows and revisions.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
