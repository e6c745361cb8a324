package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
)

func TestFolderTree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	root, err := f.reg.CreateFolder(ctx, owner, "records", nil)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	child, err := f.reg.CreateFolder(ctx, owner, "2025", &root.ID)
	if err != nil {
		t.Fatalf("CreateFolder child failed: %v", err)
	}
	grandchild, err := f.reg.CreateFolder(ctx, owner, "spring", &child.ID)
	if err != nil {
		t.Fatalf("CreateFolder grandchild failed: %v", err)
	}

	roots, err := f.reg.ListFolders(ctx, owner, nil)
	if err != nil || len(roots) != 1 || roots[0].ID != root.ID {
		t.Errorf("ListFolders(root) = %v, %v", roots, err)
	}
	children, err := f.reg.ListFolders(ctx, owner, &root.ID)
	if err != nil || len(children) != 1 || children[0].ID != child.ID {
		t.Errorf("ListFolders(child) = %v, %v", children, err)
	}

	// Moving a folder under its own descendant would close a cycle
	if _, err := f.reg.MoveFolder(ctx, root.ID, owner, &grandchild.ID); !errors.Is(err, custody.ErrFolderCycle) {
		t.Errorf("expected ErrFolderCycle, got %v", err)
	}
	if _, err := f.reg.MoveFolder(ctx, root.ID, owner, &root.ID); !errors.Is(err, custody.ErrFolderCycle) {
		t.Errorf("self parent: expected ErrFolderCycle, got %v", err)
	}

	moved, err := f.reg.MoveFolder(ctx, grandchild.ID, owner, nil)
	if err != nil {
		t.Fatalf("MoveFolder to root failed: %v", err)
	}
	if moved.ParentID != nil {
		t.Errorf("expected root-level folder, parent = %v", *moved.ParentID)
	}
	if _, err := f.reg.MoveFolder(ctx, root.ID, owner, &grandchild.ID); err != nil {
		t.Errorf("move under a former descendant should now succeed: %v", err)
	}
}

func TestFolderOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	mine, err := f.reg.CreateFolder(ctx, owner, "mine", nil)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if _, err := f.reg.CreateFolder(ctx, other, "nested", &mine.ID); !errors.Is(err, custody.ErrInvalidFolder) {
		t.Errorf("foreign parent: expected ErrInvalidFolder, got %v", err)
	}
	if _, err := f.reg.MoveFolder(ctx, mine.ID, other, nil); !errors.Is(err, custody.ErrPermissionDenied) {
		t.Errorf("foreign move: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := f.reg.CreateFolder(ctx, owner, "", nil); !errors.Is(err, custody.ErrValidation) {
		t.Errorf("empty name: expected ErrValidation, got %v", err)
	}
}

func TestMoveDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, "content")

	folder, err := f.reg.CreateFolder(ctx, owner, "archive", nil)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	foreign, err := f.reg.CreateFolder(ctx, other, "elsewhere", nil)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}

	moved, err := f.reg.MoveDocument(ctx, doc.ID, owner, &folder.ID)
	if err != nil {
		t.Fatalf("MoveDocument failed: %v", err)
	}
	if moved.FolderID == nil || *moved.FolderID != folder.ID {
		t.Errorf("folder = %v", moved.FolderID)
	}

	inFolder, err := f.reg.ListDocuments(ctx, owner, &folder.ID)
	if err != nil || len(inFolder) != 1 {
		t.Errorf("ListDocuments(folder) = %v, %v", inFolder, err)
	}
	all, err := f.reg.ListDocuments(ctx, owner, nil)
	if err != nil || len(all) != 1 {
		t.Errorf("ListDocuments(all) = %v, %v", all, err)
	}

	if _, err := f.reg.MoveDocument(ctx, doc.ID, owner, &foreign.ID); !errors.Is(err, custody.ErrInvalidFolder) {
		t.Errorf("foreign destination: expected ErrInvalidFolder, got %v", err)
	}

	if _, err := f.reg.ShareDocument(ctx, doc.ID, owner, grantee, custody.AccessRead); err != nil {
		t.Fatalf("ShareDocument failed: %v", err)
	}
	if _, err := f.reg.MoveDocument(ctx, doc.ID, grantee, nil); !errors.Is(err, custody.ErrPermissionDenied) {
		t.Errorf("READ grantee move: expected ErrPermissionDenied, got %v", err)
	}

	history, _ := f.reg.History(ctx, doc.ID, owner)
	var moves int
	for _, rec := range history {
		if m, ok := rec.Event.(ledger.Moved); ok {
			moves++
			if m.Folder != folder.ID {
				t.Errorf("moved event folder = %q", m.Folder)
			}
		}
	}
	if moves != 1 {
		t.Errorf("expected one move event, got %d", moves)
	}
}
