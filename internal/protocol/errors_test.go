package protocol

import (
	"errors"
	"fmt"
	"testing"

	"claimcraft.ai/internal/claims/model"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrNoPermission,
		ErrNotFound,
		ErrAlreadyClaimed,
		ErrRegionConflict,
		ErrNotAdjacent,
		ErrResourceCellAttached,
		ErrInsufficientFunds,
		ErrInvalidTarget,
		ErrConflict,
		ErrUnavailable,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&model.RegionConflictError{RegionIDs: []int64{1, 2}}, ErrRegionConflict},
		{fmt.Errorf("claim: %w", &model.RegionConflictError{RegionIDs: []int64{3, 4}}), ErrRegionConflict},
		{model.RepoErr("create claim", errors.New("disk full")), ErrUnavailable},
		{model.ErrNotFound, ErrNotFound},
		{fmt.Errorf("unclaim: %w", model.ErrNotOwner), ErrNoPermission},
		{model.ErrAlreadyClaimed, ErrAlreadyClaimed},
		{model.ErrNotAdjacent, ErrNotAdjacent},
		{model.ErrResourceCellAttached, ErrResourceCellAttached},
		{model.ErrInsufficientFunds, ErrInsufficientFunds},
		{model.ErrInvalidTarget, ErrInvalidTarget},
		{model.ErrResourceCellExists, ErrConflict},
		{errors.New("boom"), ErrInternal},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v)=%q want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(CodeFor(tc.err)) {
			t.Fatalf("unknown code for %v", tc.err)
		}
	}
}

func TestUserMessageHidesRepositoryDetail(t *testing.T) {
	msg := UserMessage(model.RepoErr("update region", errors.New("database is locked")))
	if msg != "Something went wrong, please try again." {
		t.Fatalf("got %q", msg)
	}
}
