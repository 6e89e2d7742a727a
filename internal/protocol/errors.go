package protocol

import (
	"errors"

	"claimcraft.ai/internal/claims/model"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Claim rules.
	ErrBadRequest           = "E_BAD_REQUEST"
	ErrNoPermission         = "E_NO_PERMISSION"
	ErrNotFound             = "E_NOT_FOUND"
	ErrAlreadyClaimed       = "E_ALREADY_CLAIMED"
	ErrRegionConflict       = "E_REGION_CONFLICT"
	ErrNotAdjacent          = "E_NOT_ADJACENT"
	ErrResourceCellAttached = "E_RESOURCE_CELL_ATTACHED"
	ErrInsufficientFunds    = "E_INSUFFICIENT_FUNDS"
	ErrInvalidTarget        = "E_INVALID_TARGET"
	ErrConflict             = "E_CONFLICT"

	// Storage and server state.
	ErrUnavailable = "E_UNAVAILABLE"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:      {},
	ErrBadRequest:           {},
	ErrNoPermission:         {},
	ErrNotFound:             {},
	ErrAlreadyClaimed:       {},
	ErrRegionConflict:       {},
	ErrNotAdjacent:          {},
	ErrResourceCellAttached: {},
	ErrInsufficientFunds:    {},
	ErrInvalidTarget:        {},
	ErrConflict:             {},
	ErrUnavailable:          {},
	ErrInternal:             {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps a claims error to its wire code. nil maps to "".
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case model.IsRegionConflict(err):
		return ErrRegionConflict
	case errors.Is(err, model.ErrRepository):
		return ErrUnavailable
	case errors.Is(err, model.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, model.ErrNotOwner):
		return ErrNoPermission
	case errors.Is(err, model.ErrAlreadyClaimed):
		return ErrAlreadyClaimed
	case errors.Is(err, model.ErrNotAdjacent):
		return ErrNotAdjacent
	case errors.Is(err, model.ErrResourceCellAttached):
		return ErrResourceCellAttached
	case errors.Is(err, model.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, model.ErrInvalidTarget):
		return ErrInvalidTarget
	case errors.Is(err, model.ErrResourceCellExists):
		return ErrConflict
	}
	return ErrInternal
}

// UserMessage is the text shown to a player for err. Storage failures get a
// generic retry hint; details stay in the server log.
func UserMessage(err error) string {
	switch CodeFor(err) {
	case "":
		return ""
	case ErrRegionConflict:
		return "This cell touches several of your regions. Choose which region to extend."
	case ErrUnavailable:
		return "Something went wrong, please try again."
	case ErrNotFound:
		return "Nothing is claimed here."
	case ErrNoPermission:
		return "You do not own this claim."
	case ErrAlreadyClaimed:
		return "This cell is already claimed."
	case ErrNotAdjacent:
		return "That region does not border this cell."
	case ErrResourceCellAttached:
		return "Remove the resource cell before unclaiming."
	case ErrInsufficientFunds:
		return "You cannot afford that."
	case ErrInvalidTarget:
		return "That cannot be done here."
	case ErrConflict:
		return "This region already has a resource cell."
	}
	return "Internal error."
}
