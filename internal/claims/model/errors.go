package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrNotOwner             = errors.New("not the owner")
	ErrAlreadyClaimed       = errors.New("cell already claimed")
	ErrResourceCellAttached = errors.New("resource cell attached")
	ErrNotAdjacent          = errors.New("cell is not adjacent to region")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidTarget        = errors.New("invalid target")
	ErrResourceCellExists   = errors.New("region already has a resource cell")
	ErrRepository           = errors.New("repository failure")
)

// RegionConflictError is returned when a cell touches more than one region
// of the same owner.
type RegionConflictError struct {
	RegionIDs []int64
}

func (e *RegionConflictError) Error() string {
	ids := make([]string, 0, len(e.RegionIDs))
	for _, id := range e.RegionIDs {
		ids = append(ids, fmt.Sprint(id))
	}
	return "region conflict: " + strings.Join(ids, ",")
}

func IsRegionConflict(err error) bool {
	var rc *RegionConflictError
	return errors.As(err, &rc)
}

// RepoErr marks err as a repository failure, keeping the cause.
func RepoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRepository) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyClaimed) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRepository, err)
}
