package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nainya/custody/pkg/custody"
)

type grantKey struct {
	document string
	grantee  string
}

type approvalEntry struct {
	req       custody.ApprovalRequest
	approvers []custody.Approver
}

// Memory is a Store held in process memory
type Memory struct {
	mu            sync.RWMutex
	documents     map[string]custody.Document
	versions      map[string][]custody.DocumentVersion
	folders       map[string]custody.Folder
	grants        map[grantKey]custody.ShareGrant
	approvals     map[string]*approvalEntry
	active        map[string]string // document id -> pending request id
	verifications map[string]custody.VerificationRecord
	byRequest     map[string]string // request id -> code
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		documents:     make(map[string]custody.Document),
		versions:      make(map[string][]custody.DocumentVersion),
		folders:       make(map[string]custody.Folder),
		grants:        make(map[grantKey]custody.ShareGrant),
		approvals:     make(map[string]*approvalEntry),
		active:        make(map[string]string),
		verifications: make(map[string]custody.VerificationRecord),
		byRequest:     make(map[string]string),
	}
}

// Close is a no-op
func (m *Memory) Close() error { return nil }

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameFolder(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneDocument(d custody.Document) custody.Document {
	d.FolderID = copyPtr(d.FolderID)
	return d
}

func cloneRequest(r custody.ApprovalRequest) custody.ApprovalRequest {
	r.ExpiresAt = copyPtr(r.ExpiresAt)
	r.ClosedAt = copyPtr(r.ClosedAt)
	return r
}

func cloneApprovers(in []custody.Approver) []custody.Approver {
	out := make([]custody.Approver, len(in))
	for i, a := range in {
		a.DecidedAt = copyPtr(a.DecidedAt)
		out[i] = a
	}
	return out
}

func sortDocuments(docs []custody.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func sortRequests(reqs []custody.ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// CreateDocument stores a document together with its first version
func (m *Memory) CreateDocument(ctx context.Context, doc custody.Document, first custody.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[doc.ID]; ok {
		return ErrExists
	}
	m.documents[doc.ID] = cloneDocument(doc)
	m.versions[doc.ID] = []custody.DocumentVersion{first}
	return nil
}

// GetDocument returns a document by id
func (m *Memory) GetDocument(ctx context.Context, id string) (custody.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.documents[id]
	if !ok {
		return custody.Document{}, ErrNotFound
	}
	return cloneDocument(d), nil
}

// ListDocuments returns documents matching q
func (m *Memory) ListDocuments(ctx context.Context, q DocumentQuery) ([]custody.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.Document
	for _, d := range m.documents {
		if q.Owner != "" && d.OwnerIdentity != q.Owner {
			continue
		}
		if !q.AllFolders && !sameFolder(d.FolderID, q.FolderID) {
			continue
		}
		if !q.IncludeInactive && !d.IsActive {
			continue
		}
		out = append(out, cloneDocument(d))
	}
	sortDocuments(out)
	return out, nil
}

// AppendVersion adds v if the document is still at version expected
func (m *Memory) AppendVersion(ctx context.Context, v custody.DocumentVersion, expected int) (custody.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.documents[v.DocumentID]
	if !ok {
		return custody.Document{}, ErrNotFound
	}
	if d.CurrentVersion != expected || v.VersionNumber != expected+1 {
		return custody.Document{}, ErrConflict
	}

	d.CurrentVersion = v.VersionNumber
	d.ContentHash = v.ContentHash
	d.FileName = v.FileName
	d.ByteSize = v.ByteSize
	d.UpdatedAt = v.Timestamp
	m.documents[d.ID] = d
	m.versions[d.ID] = append(m.versions[d.ID], v)
	return cloneDocument(d), nil
}

// GetVersion returns one version of a document
func (m *Memory) GetVersion(ctx context.Context, documentID string, number int) (custody.DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.versions[documentID]
	if number < 1 || number > len(chain) {
		return custody.DocumentVersion{}, ErrNotFound
	}
	return chain[number-1], nil
}

// ListVersions returns the version chain in order
func (m *Memory) ListVersions(ctx context.Context, documentID string) ([]custody.DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.versions[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]custody.DocumentVersion(nil), chain...), nil
}

// SetDocumentActive flips the active flag
func (m *Memory) SetDocumentActive(ctx context.Context, id string, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.IsActive = active
	d.UpdatedAt = at
	m.documents[id] = d
	return nil
}

// MoveDocument changes a document's folder
func (m *Memory) MoveDocument(ctx context.Context, id string, folderID *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	d.FolderID = copyPtr(folderID)
	d.UpdatedAt = at
	m.documents[id] = d
	return nil
}

// CreateFolder stores a folder
func (m *Memory) CreateFolder(ctx context.Context, f custody.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.folders[f.ID]; ok {
		return ErrExists
	}
	f.ParentID = copyPtr(f.ParentID)
	m.folders[f.ID] = f
	return nil
}

// GetFolder returns a folder by id
func (m *Memory) GetFolder(ctx context.Context, id string) (custody.Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.folders[id]
	if !ok {
		return custody.Folder{}, ErrNotFound
	}
	f.ParentID = copyPtr(f.ParentID)
	return f, nil
}

// ListFolders returns owner's folders directly under parent
func (m *Memory) ListFolders(ctx context.Context, owner string, parent *string) ([]custody.Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.Folder
	for _, f := range m.folders {
		if f.OwnerIdentity == owner && sameFolder(f.ParentID, parent) {
			f.ParentID = copyPtr(f.ParentID)
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MoveFolder changes a folder's parent
func (m *Memory) MoveFolder(ctx context.Context, id string, parent *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.folders[id]
	if !ok {
		return ErrNotFound
	}
	f.ParentID = copyPtr(parent)
	m.folders[id] = f
	return nil
}

// PutGrant inserts or replaces a grant
func (m *Memory) PutGrant(ctx context.Context, g custody.ShareGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[g.DocumentID]; !ok {
		return ErrNotFound
	}
	m.grants[grantKey{g.DocumentID, g.GranteeIdentity}] = g
	return nil
}

// GetGrant returns the grant for (document, grantee)
func (m *Memory) GetGrant(ctx context.Context, documentID, grantee string) (custody.ShareGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[grantKey{documentID, grantee}]
	if !ok {
		return custody.ShareGrant{}, ErrNotFound
	}
	return g, nil
}

// ListGrants returns a document's grants ordered by grantee
func (m *Memory) ListGrants(ctx context.Context, documentID string) ([]custody.ShareGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.ShareGrant
	for k, g := range m.grants {
		if k.document == documentID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeIdentity < out[j].GranteeIdentity })
	return out, nil
}

// DeleteGrant removes a grant
func (m *Memory) DeleteGrant(ctx context.Context, documentID, grantee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := grantKey{documentID, grantee}
	if _, ok := m.grants[k]; !ok {
		return ErrNotFound
	}
	delete(m.grants, k)
	return nil
}

// ListSharedWith returns the active documents shared with grantee
func (m *Memory) ListSharedWith(ctx context.Context, grantee string) ([]custody.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.Document
	for k := range m.grants {
		if k.grantee != grantee {
			continue
		}
		if d, ok := m.documents[k.document]; ok && d.IsActive {
			out = append(out, cloneDocument(d))
		}
	}
	sortDocuments(out)
	return out, nil
}

// CreateApproval stores a request and its approvers
func (m *Memory) CreateApproval(ctx context.Context, req custody.ApprovalRequest, approvers []custody.Approver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.approvals[req.ID]; ok {
		return ErrExists
	}
	if req.Status == custody.StatusPending {
		if _, busy := m.active[req.DocumentID]; busy {
			return ErrDuplicateActive
		}
		m.active[req.DocumentID] = req.ID
	}
	stored := cloneApprovers(approvers)
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].SequenceIndex < stored[j].SequenceIndex })
	m.approvals[req.ID] = &approvalEntry{req: cloneRequest(req), approvers: stored}
	return nil
}

// GetApproval returns a request and its approvers ordered by sequence index
func (m *Memory) GetApproval(ctx context.Context, id string) (custody.ApprovalRequest, []custody.Approver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.approvals[id]
	if !ok {
		return custody.ApprovalRequest{}, nil, ErrNotFound
	}
	return cloneRequest(e.req), cloneApprovers(e.approvers), nil
}

// ListApprovalsForDocument returns a document's requests, oldest first
func (m *Memory) ListApprovalsForDocument(ctx context.Context, documentID string) ([]custody.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.ApprovalRequest
	for _, e := range m.approvals {
		if e.req.DocumentID == documentID {
			out = append(out, cloneRequest(e.req))
		}
	}
	sortRequests(out)
	return out, nil
}

// ListPendingForApprover returns PENDING requests awaiting identity
func (m *Memory) ListPendingForApprover(ctx context.Context, identity string) ([]custody.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.ApprovalRequest
	for _, e := range m.approvals {
		if e.req.Status != custody.StatusPending {
			continue
		}
		for _, a := range e.approvers {
			if a.Identity == identity && a.Decision == custody.DecisionPending {
				out = append(out, cloneRequest(e.req))
				break
			}
		}
	}
	sortRequests(out)
	return out, nil
}

// ListExpirable returns PENDING requests past their deadline
func (m *Memory) ListExpirable(ctx context.Context, now time.Time) ([]custody.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []custody.ApprovalRequest
	for _, e := range m.approvals {
		if e.req.Expired(now) {
			out = append(out, cloneRequest(e.req))
		}
	}
	sortRequests(out)
	return out, nil
}

// RecordDecision applies u if request and approver are still pending
func (m *Memory) RecordDecision(ctx context.Context, u DecisionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.approvals[u.RequestID]
	if !ok {
		return ErrNotFound
	}
	if e.req.Status != custody.StatusPending {
		return ErrConflict
	}

	idx := -1
	for i, a := range e.approvers {
		if a.Identity == u.Identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if e.approvers[idx].Decision != custody.DecisionPending {
		return ErrConflict
	}

	after := append([]custody.Approver(nil), e.approvers...)
	after[idx].Decision = u.Decision
	if settledStatus(after) != u.claimedStatus() {
		return ErrConflict
	}

	decidedAt := u.DecidedAt
	e.approvers[idx].Decision = u.Decision
	e.approvers[idx].DecidedAt = &decidedAt
	e.approvers[idx].Comment = u.Comment
	e.approvers[idx].LedgerRef = u.LedgerRef

	if u.Status != "" && u.Status != custody.StatusPending {
		e.req.Status = u.Status
		e.req.ClosedAt = copyPtr(u.ClosedAt)
		delete(m.active, e.req.DocumentID)
	}
	return nil
}

// SetApprovalStatus moves a request between statuses
func (m *Memory) SetApprovalStatus(ctx context.Context, id string, from, to custody.RequestStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if e.req.Status != from {
		return ErrConflict
	}
	e.req.Status = to
	if to.Terminal() {
		e.req.ClosedAt = &at
		if m.active[e.req.DocumentID] == id {
			delete(m.active, e.req.DocumentID)
		}
	}
	return nil
}

// CreateVerification stores a verification record
func (m *Memory) CreateVerification(ctx context.Context, rec custody.VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRequest[rec.ApprovalRequestID]; ok {
		return ErrAlreadyIssued
	}
	if _, ok := m.verifications[rec.Code]; ok {
		return ErrDuplicateCode
	}
	m.verifications[rec.Code] = rec
	m.byRequest[rec.ApprovalRequestID] = rec.Code
	return nil
}

// GetVerification returns the record for code
func (m *Memory) GetVerification(ctx context.Context, code string) (custody.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.verifications[code]
	if !ok {
		return custody.VerificationRecord{}, ErrNotFound
	}
	return rec, nil
}

// VerificationForRequest returns the record issued for a request
func (m *Memory) VerificationForRequest(ctx context.Context, requestID string) (custody.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.byRequest[requestID]
	if !ok {
		return custody.VerificationRecord{}, ErrNotFound
	}
	return m.verifications[code], nil
}
