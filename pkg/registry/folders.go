package registry

import (
	"context"
	"errors"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/store"
)

// checkFolder verifies that folderID exists and belongs to owner
func (r *Registry) checkFolder(ctx context.Context, folderID, owner string) error {
	f, err := r.store.GetFolder(ctx, folderID)
	if errors.Is(err, store.ErrNotFound) {
		return custody.Errorf(custody.ErrInvalidFolder, "folder %s does not exist", folderID)
	}
	if err != nil {
		return store.Classify(err, "folder "+folderID)
	}
	if f.OwnerIdentity != owner {
		return custody.Errorf(custody.ErrInvalidFolder, "folder %s does not belong to %s", folderID, owner)
	}
	return nil
}

// CreateFolder adds a folder under parent, or at the root when parent is nil
func (r *Registry) CreateFolder(ctx context.Context, owner, name string, parentID *string) (custody.Folder, error) {
	owner, err := r.resolveActor(ctx, owner)
	if err != nil {
		return custody.Folder{}, err
	}
	if name == "" {
		return custody.Folder{}, custody.Errorf(custody.ErrValidation, "folder name is required")
	}
	if parentID != nil {
		if err := r.checkFolder(ctx, *parentID, owner); err != nil {
			return custody.Folder{}, err
		}
	}

	f := custody.Folder{
		ID:            newID(),
		OwnerIdentity: owner,
		ParentID:      parentID,
		Name:          name,
		CreatedAt:     r.now(),
	}
	if err := r.store.CreateFolder(ctx, f); err != nil {
		return custody.Folder{}, store.Classify(err, "create folder")
	}

	r.logger.Debug().Str("folder_id", f.ID).Str("owner", owner).Msg("folder created")
	return f, nil
}

// ListFolders returns the actor's folders directly under parent
func (r *Registry) ListFolders(ctx context.Context, actor string, parentID *string) ([]custody.Folder, error) {
	actor = custody.CanonicalIdentity(actor)
	if parentID != nil {
		if err := r.checkFolder(ctx, *parentID, actor); err != nil {
			return nil, err
		}
	}
	folders, err := r.store.ListFolders(ctx, actor, parentID)
	if err != nil {
		return nil, store.Classify(err, "list folders")
	}
	return folders, nil
}

// MoveFolder re-parents a folder. Moves are serialized per owner so two
// concurrent moves cannot together close a cycle.
func (r *Registry) MoveFolder(ctx context.Context, folderID, actor string, parentID *string) (custody.Folder, error) {
	actor, err := r.resolveActor(ctx, actor)
	if err != nil {
		return custody.Folder{}, err
	}

	release, err := r.leases.Acquire(ctx, folderTreeKey(actor))
	if err != nil {
		return custody.Folder{}, custody.Wrap(custody.ErrInternal, err, "acquire folder lease")
	}
	defer release()

	f, err := r.store.GetFolder(ctx, folderID)
	if err != nil {
		return custody.Folder{}, store.Classify(err, "folder "+folderID)
	}
	if f.OwnerIdentity != actor {
		return custody.Folder{}, custody.Errorf(custody.ErrPermissionDenied, "folder %s belongs to another owner", folderID)
	}

	if parentID != nil {
		if err := r.checkFolder(ctx, *parentID, actor); err != nil {
			return custody.Folder{}, err
		}
		if err := r.checkNoCycle(ctx, folderID, *parentID); err != nil {
			return custody.Folder{}, err
		}
	}

	if err := r.store.MoveFolder(ctx, folderID, parentID); err != nil {
		return custody.Folder{}, store.Classify(err, "move folder")
	}
	f.ParentID = parentID
	return f, nil
}

// checkNoCycle walks from parent to the root and fails if folderID is on
// the path
func (r *Registry) checkNoCycle(ctx context.Context, folderID, parentID string) error {
	seen := make(map[string]bool)
	for cur := &parentID; cur != nil; {
		if *cur == folderID {
			return custody.Errorf(custody.ErrFolderCycle, "folder %s cannot be moved under its own descendant", folderID)
		}
		if seen[*cur] {
			return custody.Errorf(custody.ErrFolderCycle, "folder tree already contains a cycle at %s", *cur)
		}
		seen[*cur] = true

		f, err := r.store.GetFolder(ctx, *cur)
		if err != nil {
			return store.Classify(err, "folder "+*cur)
		}
		cur = f.ParentID
	}
	return nil
}

// MoveDocument places a document in folderID, or at the root when nil.
// The actor needs write access and the destination must be the actor's
// folder in the owner's tree.
func (r *Registry) MoveDocument(ctx context.Context, documentID, actor string, folderID *string) (custody.Document, error) {
	actor, err := r.resolveActor(ctx, actor)
	if err != nil {
		return custody.Document{}, err
	}

	release, err := r.leases.Acquire(ctx, DocumentKey(documentID))
	if err != nil {
		return custody.Document{}, custody.Wrap(custody.ErrInternal, err, "acquire document lease")
	}
	defer release()

	doc, err := r.authorize(ctx, documentID, actor, custody.AccessWrite)
	if err != nil {
		return custody.Document{}, err
	}

	ev := ledger.Moved{Signer: actor}
	if folderID != nil {
		if err := r.checkFolder(ctx, *folderID, doc.OwnerIdentity); err != nil {
			return custody.Document{}, err
		}
		if actor != doc.OwnerIdentity {
			return custody.Document{}, custody.Errorf(custody.ErrPermissionDenied, "folder %s is not writable by %s", *folderID, actor)
		}
		ev.Folder = *folderID
	}

	if _, err := r.appendEvent(ctx, documentID, ev); err != nil {
		return custody.Document{}, ledger.Classify(err, "record move")
	}
	now := r.now()
	if err := r.store.MoveDocument(ctx, documentID, folderID, now); err != nil {
		return custody.Document{}, store.Classify(err, "move document")
	}

	doc.FolderID = folderID
	doc.UpdatedAt = now
	return doc, nil
}
