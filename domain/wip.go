package domain

import "context"

// WipQueries is the slice of the transactional store the admission check
// needs. It must be backed by the same transaction as the insert it guards so
// that concurrent admissions for one list cannot both observe free capacity.
type WipQueries interface {
	ListWipSettings(ctx context.Context, listID string) (limited bool, limit int, err error)
	CountActiveTasks(ctx context.Context, listID string) (int, error)
}

// Admission describes an attempt to add a task to a list.
type Admission struct {
	ListID                string
	ActorRole             Role
	OverrideReason        string
	RequireOverrideReason bool
}

// AssertWipAllowsAdd admits unconditionally when the list is unlimited or its
// limit is not positive. Otherwise it counts active tasks through the caller's
// transaction and admits while count < limit. At or above the limit only an
// owner or admin is admitted, and only with a non-empty override reason when
// one is required.
func AssertWipAllowsAdd(ctx context.Context, q WipQueries, adm Admission) error {
	limited, limit, err := q.ListWipSettings(ctx, adm.ListID)
	if err != nil {
		return err
	}
	if !limited || limit <= 0 {
		return nil
	}

	count, err := q.CountActiveTasks(ctx, adm.ListID)
	if err != nil {
		return err
	}
	if count < limit {
		return nil
	}

	if adm.ActorRole.Privileged() {
		if !adm.RequireOverrideReason || adm.OverrideReason != "" {
			return nil
		}
	}

	return WipLimitError{ListID: adm.ListID, Limit: limit, Count: count}
}
