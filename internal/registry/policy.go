package registry

import (
	"txguard/internal/errors"
	"txguard/internal/store"
	"txguard/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// AccessPolicy 基于当前全局状态的角色与暂停检查
type AccessPolicy struct {
	state *store.State
}

// RequireOwner 调用方必须是owner
func (p AccessPolicy) RequireOwner(caller common.Address) error {
	if caller != p.state.Owner {
		return errors.ErrNotAuthorized.WithContext("caller", caller.Hex()).WithContext("required", "owner")
	}
	return nil
}

// RequireOracle 调用方必须是oracle
func (p AccessPolicy) RequireOracle(caller common.Address) error {
	if caller != p.state.Oracle {
		return errors.ErrNotAuthorized.WithContext("caller", caller.Hex()).WithContext("required", "oracle")
	}
	return nil
}

// RequireSubmitterOrOwner 调用方必须是记录提交者或owner
func (p AccessPolicy) RequireSubmitterOrOwner(caller common.Address, entry *models.Entry) error {
	if caller == entry.Submitter || caller == p.state.Owner {
		return nil
	}
	return errors.ErrNotAuthorized.
		WithContext("caller", caller.Hex()).
		WithContext("entry_id", entry.ID).
		WithContext("required", "submitter_or_owner")
}

// RequireNotPaused 登记簿未暂停
func (p AccessPolicy) RequireNotPaused() error {
	if p.state.Paused {
		return errors.ErrEnforcedPause
	}
	return nil
}

// RequirePaused 登记簿已暂停
func (p AccessPolicy) RequirePaused() error {
	if !p.state.Paused {
		return errors.ErrNotPaused
	}
	return nil
}
