package registry

import (
	"context"
	"errors"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/store"
)

// ShareDocument grants grantee access to a document. Only the owner may
// share. Sharing again with the same grantee replaces the grant and
// refreshes its timestamp.
func (r *Registry) ShareDocument(ctx context.Context, documentID, actor, grantee string, access custody.AccessType) (custody.ShareGrant, error) {
	actor, err := r.resolveActor(ctx, actor)
	if err != nil {
		return custody.ShareGrant{}, err
	}
	grantee = custody.CanonicalIdentity(grantee)
	if grantee == "" {
		return custody.ShareGrant{}, custody.Errorf(custody.ErrValidation, "grantee identity is required")
	}
	if !access.Valid() {
		return custody.ShareGrant{}, custody.Errorf(custody.ErrValidation, "unknown access type %q", access)
	}

	release, err := r.leases.Acquire(ctx, DocumentKey(documentID))
	if err != nil {
		return custody.ShareGrant{}, custody.Wrap(custody.ErrInternal, err, "acquire document lease")
	}
	defer release()

	doc, err := r.ownedDocument(ctx, documentID, actor)
	if err != nil {
		return custody.ShareGrant{}, err
	}
	if !doc.IsActive {
		return custody.ShareGrant{}, custody.Errorf(custody.ErrDocumentInactive, "document %s is inactive", documentID).WithRef(documentID)
	}
	if grantee == doc.OwnerIdentity {
		return custody.ShareGrant{}, custody.Errorf(custody.ErrValidation, "owner cannot share a document with themselves")
	}

	if _, err := r.appendEvent(ctx, documentID, ledger.Shared{Signer: actor, Grantee: grantee, Access: string(access)}); err != nil {
		return custody.ShareGrant{}, ledger.Classify(err, "record share")
	}

	g := custody.ShareGrant{
		DocumentID:      documentID,
		GranteeIdentity: grantee,
		AccessType:      access,
		GrantedBy:       actor,
		GrantedAt:       r.now(),
	}
	if err := r.store.PutGrant(ctx, g); err != nil {
		return custody.ShareGrant{}, store.Classify(err, "store grant")
	}

	r.metrics.RecordShare()
	r.notifier.Notify(grantee, notify.Notification{
		Kind:       notify.KindShared,
		DocumentID: documentID,
		Actor:      actor,
		Message:    string(access) + " access to " + doc.FileName,
		At:         g.GrantedAt,
	})
	r.logger.Info().
		Str("document_id", documentID).
		Str("grantee", grantee).
		Str("access", string(access)).
		Msg("document shared")
	return g, nil
}

// RevokeShare removes a grantee's access. Only the owner may revoke.
func (r *Registry) RevokeShare(ctx context.Context, documentID, actor, grantee string) error {
	actor, err := r.resolveActor(ctx, actor)
	if err != nil {
		return err
	}
	grantee = custody.CanonicalIdentity(grantee)

	release, err := r.leases.Acquire(ctx, DocumentKey(documentID))
	if err != nil {
		return custody.Wrap(custody.ErrInternal, err, "acquire document lease")
	}
	defer release()

	if _, err := r.ownedDocument(ctx, documentID, actor); err != nil {
		return err
	}
	if _, err := r.store.GetGrant(ctx, documentID, grantee); err != nil {
		return store.Classify(err, "grant for "+grantee)
	}

	if _, err := r.appendEvent(ctx, documentID, ledger.Revoked{Signer: actor, Grantee: grantee}); err != nil {
		return ledger.Classify(err, "record revoke")
	}
	if err := r.store.DeleteGrant(ctx, documentID, grantee); err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Classify(err, "delete grant")
	}

	r.logger.Info().Str("document_id", documentID).Str("grantee", grantee).Msg("share revoked")
	return nil
}

// ListGrants returns the grants of a document; owner only
func (r *Registry) ListGrants(ctx context.Context, documentID, actor string) ([]custody.ShareGrant, error) {
	if _, err := r.ownedDocument(ctx, documentID, custody.CanonicalIdentity(actor)); err != nil {
		return nil, err
	}
	grants, err := r.store.ListGrants(ctx, documentID)
	if err != nil {
		return nil, store.Classify(err, "list grants")
	}
	return grants, nil
}

// ListSharedWith returns the active documents shared with actor
func (r *Registry) ListSharedWith(ctx context.Context, actor string) ([]custody.Document, error) {
	docs, err := r.store.ListSharedWith(ctx, custody.CanonicalIdentity(actor))
	if err != nil {
		return nil, store.Classify(err, "list shared documents")
	}
	return docs, nil
}
