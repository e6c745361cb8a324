// ABOUTME: SQLite-backed Store using a zombiezen connection pool
// ABOUTME: Writes run in IMMEDIATE transactions; constraints enforce the invariants

package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nainya/custody/pkg/custody"
)

//go:embed schema.sql
var schema string

// SQLiteConfig configures a SQLite store
type SQLiteConfig struct {
	Path     string
	PoolSize int
	Logger   zerolog.Logger
}

// SQLite is a Store persisted to a SQLite database
type SQLite struct {
	pool   *sqlitex.Pool
	path   string
	logger zerolog.Logger
}

// OpenSQLite opens the database at cfg.Path and applies the schema
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	s := &SQLite{pool: pool, path: cfg.Path, logger: cfg.Logger}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s.logger.Info().
		Str("path", cfg.Path).
		Int("pool_size", cfg.PoolSize).
		Msg("sqlite store opened")
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes every pooled connection
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", s.path, err)
	}
	s.logger.Info().Str("path", s.path).Msg("sqlite store closed")
	return nil
}

// read runs fn on a pooled connection
func (s *SQLite) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// write runs fn inside an IMMEDIATE transaction
func (s *SQLite) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

func isConstraint(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return true
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func columnTime(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	t := fromNanos(stmt.ColumnInt64(col))
	return &t
}

func columnText(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnText(col)
	return &v
}

const documentColumns = `id, owner, current_version, folder_id, file_name, file_type,
	byte_size, content_hash, created_at, updated_at, is_active`

func scanDocument(stmt *sqlite.Stmt) custody.Document {
	// Columns: id(0), owner(1), current_version(2), folder_id(3), file_name(4),
	// file_type(5), byte_size(6), content_hash(7), created_at(8), updated_at(9), is_active(10)
	return custody.Document{
		ID:             stmt.ColumnText(0),
		OwnerIdentity:  stmt.ColumnText(1),
		CurrentVersion: stmt.ColumnInt(2),
		FolderID:       columnText(stmt, 3),
		FileName:       stmt.ColumnText(4),
		FileType:       stmt.ColumnText(5),
		ByteSize:       stmt.ColumnInt64(6),
		ContentHash:    stmt.ColumnText(7),
		CreatedAt:      fromNanos(stmt.ColumnInt64(8)),
		UpdatedAt:      fromNanos(stmt.ColumnInt64(9)),
		IsActive:       stmt.ColumnInt(10) != 0,
	}
}

const versionColumns = `document_id, version_number, content_hash, file_name, byte_size,
	updated_by, timestamp, change_log, ledger_ref`

func scanVersion(stmt *sqlite.Stmt) custody.DocumentVersion {
	return custody.DocumentVersion{
		DocumentID:    stmt.ColumnText(0),
		VersionNumber: stmt.ColumnInt(1),
		ContentHash:   stmt.ColumnText(2),
		FileName:      stmt.ColumnText(3),
		ByteSize:      stmt.ColumnInt64(4),
		UpdatedBy:     stmt.ColumnText(5),
		Timestamp:     fromNanos(stmt.ColumnInt64(6)),
		ChangeLog:     stmt.ColumnText(7),
		LedgerRef:     stmt.ColumnText(8),
	}
}

func insertVersion(conn *sqlite.Conn, v custody.DocumentVersion) error {
	return sqlitex.Execute(conn,
		`INSERT INTO document_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			v.DocumentID, v.VersionNumber, v.ContentHash, v.FileName, v.ByteSize,
			v.UpdatedBy, nanos(v.Timestamp), v.ChangeLog, v.LedgerRef,
		}})
}

// CreateDocument stores a document together with its first version
func (s *SQLite) CreateDocument(ctx context.Context, doc custody.Document, first custody.DocumentVersion) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				doc.ID, doc.OwnerIdentity, doc.CurrentVersion, nullableText(doc.FolderID),
				doc.FileName, doc.FileType, doc.ByteSize, doc.ContentHash,
				nanos(doc.CreatedAt), nanos(doc.UpdatedAt), boolInt(doc.IsActive),
			}})
		if isConstraint(err) {
			return ErrExists
		}
		if err != nil {
			return fmt.Errorf("store: insert document: %w", err)
		}
		if err := insertVersion(conn, first); err != nil {
			return fmt.Errorf("store: insert version: %w", err)
		}
		return nil
	})
}

func getDocument(conn *sqlite.Conn, id string) (custody.Document, error) {
	var (
		doc   custody.Document
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				doc = scanDocument(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return custody.Document{}, fmt.Errorf("store: select document: %w", err)
	}
	if !found {
		return custody.Document{}, ErrNotFound
	}
	return doc, nil
}

// GetDocument returns a document by id
func (s *SQLite) GetDocument(ctx context.Context, id string) (custody.Document, error) {
	var doc custody.Document
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		doc, err = getDocument(conn, id)
		return err
	})
	return doc, err
}

// ListDocuments returns documents matching q
func (s *SQLite) ListDocuments(ctx context.Context, q DocumentQuery) ([]custody.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1 = 1`
	var args []any
	if q.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, q.Owner)
	}
	if !q.AllFolders {
		query += ` AND folder_id IS ?`
		args = append(args, nullableText(q.FolderID))
	}
	if !q.IncludeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at, id`

	var out []custody.Document
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanDocument(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	return out, nil
}

// AppendVersion adds v if the document is still at version expected
func (s *SQLite) AppendVersion(ctx context.Context, v custody.DocumentVersion, expected int) (custody.Document, error) {
	var doc custody.Document
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if v.VersionNumber != expected+1 {
			return ErrConflict
		}
		err := sqlitex.Execute(conn,
			`UPDATE documents
			    SET current_version = ?, content_hash = ?, file_name = ?, byte_size = ?, updated_at = ?
			  WHERE id = ? AND current_version = ?`,
			&sqlitex.ExecOptions{Args: []any{
				v.VersionNumber, v.ContentHash, v.FileName, v.ByteSize, nanos(v.Timestamp),
				v.DocumentID, expected,
			}})
		if err != nil {
			return fmt.Errorf("store: update document: %w", err)
		}
		if conn.Changes() == 0 {
			if _, err := getDocument(conn, v.DocumentID); err != nil {
				return err
			}
			return ErrConflict
		}
		if err := insertVersion(conn, v); err != nil {
			if isConstraint(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: insert version: %w", err)
		}
		doc, err = getDocument(conn, v.DocumentID)
		return err
	})
	return doc, err
}

// GetVersion returns one version of a document
func (s *SQLite) GetVersion(ctx context.Context, documentID string, number int) (custody.DocumentVersion, error) {
	var (
		v     custody.DocumentVersion
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+versionColumns+` FROM document_versions WHERE document_id = ? AND version_number = ?`,
			&sqlitex.ExecOptions{
				Args: []any{documentID, number},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					v = scanVersion(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return v, fmt.Errorf("store: select version: %w", err)
	}
	if !found {
		return v, ErrNotFound
	}
	return v, nil
}

// ListVersions returns the version chain in order
func (s *SQLite) ListVersions(ctx context.Context, documentID string) ([]custody.DocumentVersion, error) {
	var out []custody.DocumentVersion
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+versionColumns+` FROM document_versions WHERE document_id = ? ORDER BY version_number`,
			&sqlitex.ExecOptions{
				Args: []any{documentID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanVersion(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// updateOne runs an UPDATE that must touch exactly one row
func (s *SQLite) updateOne(ctx context.Context, query string, args ...any) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("store: update: %w", err)
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetDocumentActive flips the active flag
func (s *SQLite) SetDocumentActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.updateOne(ctx, `UPDATE documents SET is_active = ?, updated_at = ? WHERE id = ?`, boolInt(active), nanos(at), id)
}

// MoveDocument changes a document's folder
func (s *SQLite) MoveDocument(ctx context.Context, id string, folderID *string, at time.Time) error {
	return s.updateOne(ctx, `UPDATE documents SET folder_id = ?, updated_at = ? WHERE id = ?`, nullableText(folderID), nanos(at), id)
}

func scanFolder(stmt *sqlite.Stmt) custody.Folder {
	return custody.Folder{
		ID:            stmt.ColumnText(0),
		OwnerIdentity: stmt.ColumnText(1),
		ParentID:      columnText(stmt, 2),
		Name:          stmt.ColumnText(3),
		CreatedAt:     fromNanos(stmt.ColumnInt64(4)),
	}
}

// CreateFolder stores a folder
func (s *SQLite) CreateFolder(ctx context.Context, f custody.Folder) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO folders (id, owner, parent_id, name, created_at) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{f.ID, f.OwnerIdentity, nullableText(f.ParentID), f.Name, nanos(f.CreatedAt)}})
		if isConstraint(err) {
			return ErrExists
		}
		if err != nil {
			return fmt.Errorf("store: insert folder: %w", err)
		}
		return nil
	})
}

// GetFolder returns a folder by id
func (s *SQLite) GetFolder(ctx context.Context, id string) (custody.Folder, error) {
	var (
		f     custody.Folder
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, owner, parent_id, name, created_at FROM folders WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					f = scanFolder(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return f, fmt.Errorf("store: select folder: %w", err)
	}
	if !found {
		return f, ErrNotFound
	}
	return f, nil
}

// ListFolders returns owner's folders directly under parent
func (s *SQLite) ListFolders(ctx context.Context, owner string, parent *string) ([]custody.Folder, error) {
	var out []custody.Folder
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, owner, parent_id, name, created_at FROM folders
			  WHERE owner = ? AND parent_id IS ? ORDER BY name, id`,
			&sqlitex.ExecOptions{
				Args: []any{owner, nullableText(parent)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanFolder(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list folders: %w", err)
	}
	return out, nil
}

// MoveFolder changes a folder's parent
func (s *SQLite) MoveFolder(ctx context.Context, id string, parent *string) error {
	return s.updateOne(ctx, `UPDATE folders SET parent_id = ? WHERE id = ?`, nullableText(parent), id)
}

func scanGrant(stmt *sqlite.Stmt) custody.ShareGrant {
	return custody.ShareGrant{
		DocumentID:      stmt.ColumnText(0),
		GranteeIdentity: stmt.ColumnText(1),
		AccessType:      custody.AccessType(stmt.ColumnText(2)),
		GrantedBy:       stmt.ColumnText(3),
		GrantedAt:       fromNanos(stmt.ColumnInt64(4)),
	}
}

// PutGrant inserts or replaces a grant
func (s *SQLite) PutGrant(ctx context.Context, g custody.ShareGrant) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		if _, err := getDocument(conn, g.DocumentID); err != nil {
			return err
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO share_grants (document_id, grantee, access_type, granted_by, granted_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (document_id, grantee) DO UPDATE
			    SET access_type = excluded.access_type,
			        granted_by = excluded.granted_by,
			        granted_at = excluded.granted_at`,
			&sqlitex.ExecOptions{Args: []any{
				g.DocumentID, g.GranteeIdentity, string(g.AccessType), g.GrantedBy, nanos(g.GrantedAt),
			}})
		if err != nil {
			return fmt.Errorf("store: upsert grant: %w", err)
		}
		return nil
	})
}

// GetGrant returns the grant for (document, grantee)
func (s *SQLite) GetGrant(ctx context.Context, documentID, grantee string) (custody.ShareGrant, error) {
	var (
		g     custody.ShareGrant
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT document_id, grantee, access_type, granted_by, granted_at
			   FROM share_grants WHERE document_id = ? AND grantee = ?`,
			&sqlitex.ExecOptions{
				Args: []any{documentID, grantee},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					g = scanGrant(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return g, fmt.Errorf("store: select grant: %w", err)
	}
	if !found {
		return g, ErrNotFound
	}
	return g, nil
}

// ListGrants returns a document's grants ordered by grantee
func (s *SQLite) ListGrants(ctx context.Context, documentID string) ([]custody.ShareGrant, error) {
	var out []custody.ShareGrant
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT document_id, grantee, access_type, granted_by, granted_at
			   FROM share_grants WHERE document_id = ? ORDER BY grantee`,
			&sqlitex.ExecOptions{
				Args: []any{documentID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanGrant(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list grants: %w", err)
	}
	return out, nil
}

// DeleteGrant removes a grant
func (s *SQLite) DeleteGrant(ctx context.Context, documentID, grantee string) error {
	return s.updateOne(ctx, `DELETE FROM share_grants WHERE document_id = ? AND grantee = ?`, documentID, grantee)
}

// ListSharedWith returns the active documents shared with grantee
func (s *SQLite) ListSharedWith(ctx context.Context, grantee string) ([]custody.Document, error) {
	var out []custody.Document
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT d.id, d.owner, d.current_version, d.folder_id, d.file_name, d.file_type,
			        d.byte_size, d.content_hash, d.created_at, d.updated_at, d.is_active
			   FROM documents d JOIN share_grants g ON g.document_id = d.id
			  WHERE g.grantee = ? AND d.is_active = 1
			  ORDER BY d.created_at, d.id`,
			&sqlitex.ExecOptions{
				Args: []any{grantee},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanDocument(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list shared: %w", err)
	}
	return out, nil
}

const requestColumns = `id, document_id, document_version, requester, requester_institution,
	routing_mode, priority, expires_at, status, created_at, closed_at`

func scanRequest(stmt *sqlite.Stmt) custody.ApprovalRequest {
	return custody.ApprovalRequest{
		ID:                   stmt.ColumnText(0),
		DocumentID:           stmt.ColumnText(1),
		DocumentVersion:      stmt.ColumnInt(2),
		RequesterIdentity:    stmt.ColumnText(3),
		RequesterInstitution: stmt.ColumnText(4),
		RoutingMode:          custody.RoutingMode(stmt.ColumnText(5)),
		Priority:             custody.Priority(stmt.ColumnText(6)),
		ExpiresAt:            columnTime(stmt, 7),
		Status:               custody.RequestStatus(stmt.ColumnText(8)),
		CreatedAt:            fromNanos(stmt.ColumnInt64(9)),
		ClosedAt:             columnTime(stmt, 10),
	}
}

func scanApprover(stmt *sqlite.Stmt) custody.Approver {
	return custody.Approver{
		ApprovalRequestID: stmt.ColumnText(0),
		Identity:          stmt.ColumnText(1),
		Institution:       stmt.ColumnText(2),
		Role:              stmt.ColumnText(3),
		SequenceIndex:     stmt.ColumnInt(4),
		Decision:          custody.Decision(stmt.ColumnText(5)),
		DecidedAt:         columnTime(stmt, 6),
		Comment:           stmt.ColumnText(7),
		LedgerRef:         stmt.ColumnText(8),
	}
}

// CreateApproval stores a request and its approvers
func (s *SQLite) CreateApproval(ctx context.Context, req custody.ApprovalRequest, approvers []custody.Approver) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		var exists bool
		err := sqlitex.Execute(conn, `SELECT 1 FROM approval_requests WHERE id = ?`, &sqlitex.ExecOptions{
			Args:       []any{req.ID},
			ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
		})
		if err != nil {
			return fmt.Errorf("store: check request: %w", err)
		}
		if exists {
			return ErrExists
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO approval_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				req.ID, req.DocumentID, req.DocumentVersion, req.RequesterIdentity, req.RequesterInstitution,
				string(req.RoutingMode), string(req.Priority), nullableNanos(req.ExpiresAt),
				string(req.Status), nanos(req.CreatedAt), nullableNanos(req.ClosedAt),
			}})
		if isConstraint(err) {
			// the partial unique index allows one PENDING request per document
			return ErrDuplicateActive
		}
		if err != nil {
			return fmt.Errorf("store: insert request: %w", err)
		}

		for _, a := range approvers {
			err := sqlitex.Execute(conn,
				`INSERT INTO approvers (request_id, identity, institution, role, sequence_index,
				                        decision, decided_at, comment, ledger_ref)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					req.ID, a.Identity, a.Institution, a.Role, a.SequenceIndex,
					string(a.Decision), nullableNanos(a.DecidedAt), a.Comment, a.LedgerRef,
				}})
			if err != nil {
				return fmt.Errorf("store: insert approver: %w", err)
			}
		}
		return nil
	})
}

func listApprovers(conn *sqlite.Conn, requestID string) ([]custody.Approver, error) {
	var out []custody.Approver
	err := sqlitex.Execute(conn,
		`SELECT request_id, identity, institution, role, sequence_index, decision, decided_at, comment, ledger_ref
		   FROM approvers WHERE request_id = ? ORDER BY sequence_index, identity`,
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanApprover(stmt))
				return nil
			},
		})
	return out, err
}

func getRequest(conn *sqlite.Conn, id string) (custody.ApprovalRequest, error) {
	var (
		req   custody.ApprovalRequest
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				req = scanRequest(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return req, fmt.Errorf("store: select request: %w", err)
	}
	if !found {
		return req, ErrNotFound
	}
	return req, nil
}

// GetApproval returns a request and its approvers ordered by sequence index
func (s *SQLite) GetApproval(ctx context.Context, id string) (custody.ApprovalRequest, []custody.Approver, error) {
	var (
		req       custody.ApprovalRequest
		approvers []custody.Approver
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		if req, err = getRequest(conn, id); err != nil {
			return err
		}
		approvers, err = listApprovers(conn, id)
		return err
	})
	return req, approvers, err
}

func (s *SQLite) listRequests(ctx context.Context, query string, args ...any) ([]custody.ApprovalRequest, error) {
	var out []custody.ApprovalRequest
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanRequest(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	return out, nil
}

// ListApprovalsForDocument returns a document's requests, oldest first
func (s *SQLite) ListApprovalsForDocument(ctx context.Context, documentID string) ([]custody.ApprovalRequest, error) {
	return s.listRequests(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE document_id = ? ORDER BY created_at, id`,
		documentID)
}

// ListPendingForApprover returns PENDING requests awaiting identity
func (s *SQLite) ListPendingForApprover(ctx context.Context, identity string) ([]custody.ApprovalRequest, error) {
	return s.listRequests(ctx,
		`SELECT r.id, r.document_id, r.document_version, r.requester, r.requester_institution,
		        r.routing_mode, r.priority, r.expires_at, r.status, r.created_at, r.closed_at
		   FROM approval_requests r JOIN approvers a ON a.request_id = r.id
		  WHERE a.identity = ? AND a.decision = 'PENDING' AND r.status = 'PENDING'
		  ORDER BY r.created_at, r.id`,
		identity)
}

// ListExpirable returns PENDING requests past their deadline
func (s *SQLite) ListExpirable(ctx context.Context, now time.Time) ([]custody.ApprovalRequest, error) {
	return s.listRequests(ctx,
		`SELECT `+requestColumns+` FROM approval_requests
		  WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at < ?
		  ORDER BY created_at, id`,
		nanos(now))
}

// RecordDecision applies u if request and approver are still pending
func (s *SQLite) RecordDecision(ctx context.Context, u DecisionUpdate) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		req, err := getRequest(conn, u.RequestID)
		if err != nil {
			return err
		}
		if req.Status != custody.StatusPending {
			return ErrConflict
		}

		err = sqlitex.Execute(conn,
			`UPDATE approvers SET decision = ?, decided_at = ?, comment = ?, ledger_ref = ?
			  WHERE request_id = ? AND identity = ? AND decision = 'PENDING'`,
			&sqlitex.ExecOptions{Args: []any{
				string(u.Decision), nanos(u.DecidedAt), u.Comment, u.LedgerRef, u.RequestID, u.Identity,
			}})
		if err != nil {
			return fmt.Errorf("store: update approver: %w", err)
		}
		if conn.Changes() == 0 {
			return ErrConflict
		}

		// A decision stored by another process since the caller's read
		// leaves u.Status stale; rolling back makes the caller re-read.
		approvers, err := listApprovers(conn, u.RequestID)
		if err != nil {
			return fmt.Errorf("store: list approvers: %w", err)
		}
		if settledStatus(approvers) != u.claimedStatus() {
			return ErrConflict
		}

		if u.Status != "" && u.Status != custody.StatusPending {
			err = sqlitex.Execute(conn,
				`UPDATE approval_requests SET status = ?, closed_at = ? WHERE id = ? AND status = 'PENDING'`,
				&sqlitex.ExecOptions{Args: []any{string(u.Status), nullableNanos(u.ClosedAt), u.RequestID}})
			if err != nil {
				return fmt.Errorf("store: update request: %w", err)
			}
		}
		return nil
	})
}

// SetApprovalStatus moves a request between statuses
func (s *SQLite) SetApprovalStatus(ctx context.Context, id string, from, to custody.RequestStatus, at time.Time) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		var closedAt any
		if to.Terminal() {
			closedAt = nanos(at)
		}
		err := sqlitex.Execute(conn,
			`UPDATE approval_requests SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{string(to), closedAt, id, string(from)}})
		if err != nil {
			return fmt.Errorf("store: update request: %w", err)
		}
		if conn.Changes() == 0 {
			if _, err := getRequest(conn, id); err != nil {
				return err
			}
			return ErrConflict
		}
		return nil
	})
}

// CreateVerification stores a verification record
func (s *SQLite) CreateVerification(ctx context.Context, rec custody.VerificationRecord) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		var issued, taken bool
		err := sqlitex.Execute(conn,
			`SELECT request_id = ?, code = ? FROM verifications WHERE request_id = ? OR code = ?`,
			&sqlitex.ExecOptions{
				Args: []any{rec.ApprovalRequestID, rec.Code, rec.ApprovalRequestID, rec.Code},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					issued = issued || stmt.ColumnInt(0) != 0
					taken = taken || stmt.ColumnInt(1) != 0
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("store: check verification: %w", err)
		}
		if issued {
			return ErrAlreadyIssued
		}
		if taken {
			return ErrDuplicateCode
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO verifications (code, request_id, ledger_ref, issued_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{rec.Code, rec.ApprovalRequestID, rec.LedgerRef, nanos(rec.IssuedAt)}})
		if isConstraint(err) {
			return ErrDuplicateCode
		}
		if err != nil {
			return fmt.Errorf("store: insert verification: %w", err)
		}
		return nil
	})
}

func (s *SQLite) getVerification(ctx context.Context, column, value string) (custody.VerificationRecord, error) {
	var (
		rec   custody.VerificationRecord
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT code, request_id, ledger_ref, issued_at FROM verifications WHERE `+column+` = ?`,
			&sqlitex.ExecOptions{
				Args: []any{value},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rec = custody.VerificationRecord{
						Code:              stmt.ColumnText(0),
						ApprovalRequestID: stmt.ColumnText(1),
						LedgerRef:         stmt.ColumnText(2),
						IssuedAt:          fromNanos(stmt.ColumnInt64(3)),
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return rec, fmt.Errorf("store: select verification: %w", err)
	}
	if !found {
		return rec, ErrNotFound
	}
	return rec, nil
}

// GetVerification returns the record for code
func (s *SQLite) GetVerification(ctx context.Context, code string) (custody.VerificationRecord, error) {
	return s.getVerification(ctx, "code", code)
}

// VerificationForRequest returns the record issued for a request
func (s *SQLite) VerificationForRequest(ctx context.Context, requestID string) (custody.VerificationRecord, error) {
	return s.getVerification(ctx, "request_id", requestID)
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)
