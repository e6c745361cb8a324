package registry

import (
	"context"
	"errors"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/store"
)

// Authorize loads a document and checks that actor holds at least need.
// The owner holds every right. Inactive documents are visible to the
// owner only, and reject writes with DocumentInactive.
func (r *Registry) Authorize(ctx context.Context, documentID, actor string, need custody.AccessType) (custody.Document, error) {
	return r.authorize(ctx, documentID, custody.CanonicalIdentity(actor), need)
}

func (r *Registry) authorize(ctx context.Context, documentID, actor string, need custody.AccessType) (custody.Document, error) {
	if documentID == "" {
		return custody.Document{}, custody.Errorf(custody.ErrValidation, "document id is required")
	}
	doc, err := r.store.GetDocument(ctx, documentID)
	if err != nil {
		return custody.Document{}, store.Classify(err, "document "+documentID)
	}

	if doc.OwnerIdentity != actor {
		granted, err := r.grantedAccess(ctx, documentID, actor)
		if err != nil {
			return custody.Document{}, err
		}
		if granted == "" {
			return custody.Document{}, custody.Errorf(custody.ErrPermissionDenied, "%s has no access to document %s", actor, documentID)
		}
		if need == custody.AccessWrite && granted != custody.AccessWrite {
			return custody.Document{}, custody.Errorf(custody.ErrPermissionDenied, "%s has no write access to document %s", actor, documentID)
		}
		if need == custody.AccessRead && !doc.IsActive {
			return custody.Document{}, custody.Errorf(custody.ErrPermissionDenied, "%s has no access to document %s", actor, documentID)
		}
	}

	if need == custody.AccessWrite && !doc.IsActive {
		return custody.Document{}, custody.Errorf(custody.ErrDocumentInactive, "document %s is inactive", documentID).WithRef(documentID)
	}
	return doc, nil
}

func (r *Registry) grantedAccess(ctx context.Context, documentID, actor string) (custody.AccessType, error) {
	g, err := r.store.GetGrant(ctx, documentID, actor)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify(err, "grant lookup")
	}
	return g.AccessType, nil
}

// ownedDocument loads a document and checks that actor is its owner
func (r *Registry) ownedDocument(ctx context.Context, documentID, actor string) (custody.Document, error) {
	if documentID == "" {
		return custody.Document{}, custody.Errorf(custody.ErrValidation, "document id is required")
	}
	doc, err := r.store.GetDocument(ctx, documentID)
	if err != nil {
		return custody.Document{}, store.Classify(err, "document "+documentID)
	}
	if doc.OwnerIdentity != actor {
		return custody.Document{}, custody.Errorf(custody.ErrPermissionDenied, "only the owner may manage document %s", documentID)
	}
	return doc, nil
}
