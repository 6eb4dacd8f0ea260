package cashsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/cashsync/internal/localstore"
)

// AccessFor resolves what userID may do with ownerID's worksheet given the
// known grants.
func AccessFor(grants []Grant, userID, ownerID string, isAdmin bool) (Access, bool) {
	if ownerID == userID {
		return AccessOwner, true
	}
	for _, grant := range grants {
		if grant.Status != GrantAccepted || grant.SenderID != ownerID || grant.ReceiverID != userID {
			continue
		}
		if grant.Role == RoleEditor {
			return AccessEditor, true
		}
		return AccessViewer, true
	}
	if isAdmin {
		return AccessAdmin, true
	}
	return "", false
}

// SwitchActiveSession makes ownerID's worksheet the active one. An empty
// ownerID returns to the user's own worksheet. On failure the previous
// session stays active.
func (e *Engine) SwitchActiveSession(ctx context.Context, ownerID string) error {
	session, ns, _, online, err := e.snapshotSession()
	if err != nil {
		return err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = session.UserID
	}
	e.mu.Lock()
	access, ok := AccessFor(e.grants, session.UserID, ownerID, session.IsAdmin)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ownerID)
	}

	e.setLoading(true)
	defer e.setLoading(false)

	var worksheet Worksheet
	if ownerID == session.UserID {
		worksheet = NewWorksheet(ownerID)
		if _, err := ns.GetJSON(worksheetKey, &worksheet); err != nil {
			return fmt.Errorf("%w: load worksheet: %v", ErrLocalPersist, err)
		}
	} else {
		fetched, err := e.fetchShared(ctx, ns, ownerID, online)
		if err != nil {
			return err
		}
		worksheet = fetched
	}
	worksheet.OwnerID = ownerID
	worksheet.recompute()

	gen := e.install(ownerID, access, worksheet)
	e.logger.WithFields(logrus.Fields{"owner": ownerID, "access": access}).Info("active session switched")
	if ownerID == session.UserID && online {
		// editors may have changed the own worksheet while another was active
		e.reconcileActive(ctx, gen)
	}
	return nil
}

// fetchShared loads another owner's worksheet from the remote store, falling
// back to the local cache when the fetch fails.
func (e *Engine) fetchShared(ctx context.Context, ns *localstore.Namespace, ownerID string, online bool) (Worksheet, error) {
	loadCached := func() (Worksheet, bool) {
		cached := NewWorksheet(ownerID)
		ok, err := ns.GetJSON(sharedKeyPrefix+ownerID, &cached)
		if err != nil || !ok {
			return Worksheet{}, false
		}
		return cached, true
	}
	if !online {
		if cached, ok := loadCached(); ok {
			return cached, nil
		}
		return Worksheet{}, ErrOffline
	}
	remote, err := callValue(ctx, e, "fetch shared worksheet timed out", func(ctx context.Context) (*Worksheet, error) {
		return e.remote.GetWorksheet(ctx, ownerID)
	})
	if err != nil {
		if cached, ok := loadCached(); ok {
			e.logger.WithError(err).WithField("owner", ownerID).Warn("using cached shared worksheet")
			return cached, nil
		}
		return Worksheet{}, err
	}
	if remote == nil {
		return NewWorksheet(ownerID), nil
	}
	return remote.Clone(), nil
}

// install swaps the active worksheet: the old feed is torn down before the
// new one is opened and notifications for the old session are ignored.
func (e *Engine) install(ownerID string, access Access, worksheet Worksheet) uint64 {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	oldFeed := e.feedUnsub
	e.feedUnsub = nil
	e.activeOwner = ownerID
	e.access = access
	e.worksheet = worksheet
	persistErr := e.persistActiveLocked(worksheet)
	online := e.online
	e.mu.Unlock()

	if oldFeed != nil {
		oldFeed()
	}
	if persistErr != nil {
		e.logger.WithError(persistErr).WithField("owner", ownerID).Warn("cache active worksheet failed")
	}
	if online {
		e.subscribeFeed(ownerID, gen)
	}
	e.emit()
	return gen
}

func (e *Engine) setLoading(loading bool) {
	e.mu.Lock()
	e.loading = loading
	e.mu.Unlock()
	e.emit()
}

// SendInvite shares the user's worksheet with the user behind code.
func (e *Engine) SendInvite(ctx context.Context, code string, role Role) (Grant, error) {
	session, _, _, online, err := e.snapshotSession()
	if err != nil {
		return Grant{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" || !role.Valid() {
		return Grant{}, fmt.Errorf("%w: share code and a valid role are required", ErrInvalidInput)
	}
	if !online {
		return Grant{}, ErrOffline
	}
	receiverID, err := callValue(ctx, e, "user lookup timed out", func(ctx context.Context) (string, error) {
		return e.remote.LookupUserByCode(ctx, code)
	})
	if err != nil {
		return Grant{}, err
	}
	if receiverID == "" {
		return Grant{}, fmt.Errorf("%w: no user for share code", ErrNotFound)
	}
	if receiverID == session.UserID {
		return Grant{}, fmt.Errorf("%w: cannot share with yourself", ErrInvalidInput)
	}

	grants, err := e.listGrants(ctx, session.UserID)
	if err != nil {
		return Grant{}, err
	}
	for _, existing := range grants {
		if existing.SenderID != session.UserID || existing.ReceiverID != receiverID {
			continue
		}
		switch existing.Status {
		case GrantPending:
			return Grant{}, ErrInvitePending
		case GrantAccepted:
			return Grant{}, ErrAlreadyShared
		default:
			if err := e.call(ctx, "delete grant timed out", func(ctx context.Context) error {
				return e.remote.DeleteGrant(ctx, existing.ID)
			}); err != nil {
				return Grant{}, err
			}
		}
	}

	now := e.now().UTC()
	grant, err := callValue(ctx, e, "create grant timed out", func(ctx context.Context) (Grant, error) {
		return e.remote.CreateGrant(ctx, Grant{
			ID:         e.newID(),
			SenderID:   session.UserID,
			ReceiverID: receiverID,
			Role:       role,
			Status:     GrantPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return Grant{}, err
	}
	e.notifyGrantChange(ctx, receiverID)
	if _, err := e.RefreshGrants(ctx); err != nil {
		e.logger.WithError(err).Debug("grant refresh after invite failed")
	}
	return grant, nil
}

// RespondToInvite accepts or rejects a pending invite addressed to the user.
// An accepting user may narrow the role but never widen it.
func (e *Engine) RespondToInvite(ctx context.Context, grantID string, accept bool, role Role) (Grant, error) {
	session, _, _, online, err := e.snapshotSession()
	if err != nil {
		return Grant{}, err
	}
	if !online {
		return Grant{}, ErrOffline
	}
	grant, err := e.findGrant(ctx, session.UserID, grantID)
	if err != nil {
		return Grant{}, err
	}
	if grant.ReceiverID != session.UserID || grant.Status != GrantPending {
		return Grant{}, fmt.Errorf("%w: grant %s is %s", ErrInvalidGrantOp, grant.ID, grant.Status)
	}
	status := GrantRejected
	finalRole := grant.Role
	if accept {
		status = GrantAccepted
		if role != "" {
			if !role.Valid() || (grant.Role == RoleViewer && role == RoleEditor) {
				return Grant{}, fmt.Errorf("%w: cannot accept %s invite as %s", ErrInvalidGrantOp, grant.Role, role)
			}
			finalRole = role
		}
	}
	updated, err := callValue(ctx, e, "update grant timed out", func(ctx context.Context) (Grant, error) {
		return e.remote.UpdateGrantStatus(ctx, grant.ID, status, finalRole)
	})
	if err != nil {
		return Grant{}, err
	}
	e.notifyGrantChange(ctx, grant.SenderID)
	if _, err := e.RefreshGrants(ctx); err != nil {
		e.logger.WithError(err).Debug("grant refresh after response failed")
	}
	return updated, nil
}

// RevokeGrant ends an accepted grant. Either party may revoke. If the grant
// backed the active session the user returns to their own worksheet.
func (e *Engine) RevokeGrant(ctx context.Context, grantID string) (Grant, error) {
	session, _, _, online, err := e.snapshotSession()
	if err != nil {
		return Grant{}, err
	}
	if !online {
		return Grant{}, ErrOffline
	}
	grant, err := e.findGrant(ctx, session.UserID, grantID)
	if err != nil {
		return Grant{}, err
	}
	if !grant.Involves(session.UserID) || grant.Status != GrantAccepted {
		return Grant{}, fmt.Errorf("%w: grant %s is %s", ErrInvalidGrantOp, grant.ID, grant.Status)
	}
	updated, err := callValue(ctx, e, "revoke grant timed out", func(ctx context.Context) (Grant, error) {
		return e.remote.UpdateGrantStatus(ctx, grant.ID, GrantRevoked, grant.Role)
	})
	if err != nil {
		return Grant{}, err
	}
	other := grant.SenderID
	if other == session.UserID {
		other = grant.ReceiverID
	}
	e.notifyGrantChange(ctx, other)
	if _, err := e.RefreshGrants(ctx); err != nil {
		e.logger.WithError(err).Debug("grant refresh after revoke failed")
		e.dropRevokedSession(ctx, []Grant{updated})
	}
	return updated, nil
}

// RefreshGrants reloads the user's grants, caches them locally and leaves a
// shared session whose grant is no longer accepted.
func (e *Engine) RefreshGrants(ctx context.Context) ([]Grant, error) {
	session, ns, _, online, err := e.snapshotSession()
	if err != nil {
		return nil, err
	}
	if !online {
		e.mu.Lock()
		cached := append([]Grant(nil), e.grants...)
		e.mu.Unlock()
		return cached, ErrOffline
	}
	grants, err := e.listGrants(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if err := ns.SetJSON(grantsKey, grants); err != nil {
		e.logger.WithError(err).Warn("cache grants failed")
	}
	e.mu.Lock()
	e.grants = grants
	e.mu.Unlock()
	e.dropRevokedSession(ctx, grants)
	e.emit()
	return grants, nil
}

// dropRevokedSession returns to the own worksheet when the active shared
// session is no longer backed by an accepted grant.
func (e *Engine) dropRevokedSession(ctx context.Context, grants []Grant) {
	e.mu.Lock()
	self := e.session.UserID
	owner := e.activeOwner
	isAdmin := e.session.IsAdmin
	known := append([]Grant(nil), e.grants...)
	e.mu.Unlock()
	if owner == self {
		return
	}
	// grants may hold only the changed records; overlay them on the known set.
	byID := map[string]Grant{}
	for _, grant := range known {
		byID[grant.ID] = grant
	}
	for _, grant := range grants {
		byID[grant.ID] = grant
	}
	merged := make([]Grant, 0, len(byID))
	for _, grant := range byID {
		merged = append(merged, grant)
	}
	access, ok := AccessFor(merged, self, owner, isAdmin)
	if ok {
		e.mu.Lock()
		if e.activeOwner == owner && e.access != access {
			e.access = access
		}
		e.mu.Unlock()
		return
	}
	e.logger.WithField("owner", owner).Info("shared session ended, returning to own worksheet")
	if err := e.SwitchActiveSession(ctx, self); err != nil {
		e.logger.WithError(err).Warn("return to own worksheet failed")
	}
}

func (e *Engine) listGrants(ctx context.Context, userID string) ([]Grant, error) {
	grants, err := callValue(ctx, e, "list grants timed out", func(ctx context.Context) ([]Grant, error) {
		return e.remote.ListGrants(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []Grant{}
	}
	return grants, nil
}

func (e *Engine) findGrant(ctx context.Context, userID, grantID string) (Grant, error) {
	grants, err := e.listGrants(ctx, userID)
	if err != nil {
		return Grant{}, err
	}
	for _, grant := range grants {
		if grant.ID == grantID {
			return grant, nil
		}
	}
	return Grant{}, fmt.Errorf("%w: grant %s", ErrNotFound, grantID)
}

func (e *Engine) notifyGrantChange(ctx context.Context, userID string) {
	if e.broadcaster == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"userId": userID})
	if err := e.attempt(ctx, "grant notification timed out", func(ctx context.Context) error {
		return e.broadcaster.Broadcast(ctx, UserChannel(userID), EventGrantChanged, payload)
	}); err != nil {
		e.logger.WithError(err).Debug("grant notification failed")
	}
}
