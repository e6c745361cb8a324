// Package registry implements the document registry: documents, their
// version chains, folders and share grants.
//
// Every mutation follows the same write path. Content goes to the blob
// store first, then an event is appended to the ledger, and only after
// the ledger commits is the off-chain state updated. A failure at any
// step leaves no partial document visible; a blob written before a
// failed ledger append is retained, which is harmless for a
// content-addressed store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nainya/custody/internal/metrics"
	"github.com/nainya/custody/pkg/blobstore"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/directory"
	"github.com/nainya/custody/pkg/lease"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/store"
)

// Config tunes registry behaviour
type Config struct {
	// CallTimeout bounds each blob store, ledger and directory call
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxVersionRetries bounds how often an update re-reads the current
	// version after losing a race on the ledger
	MaxVersionRetries int `yaml:"max_version_retries"`
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:       10 * time.Second,
		MaxVersionRetries: 3,
	}
}

// Options are the registry's collaborators
type Options struct {
	Store     store.Store
	Blobs     blobstore.Store
	Ledger    ledger.Ledger
	Directory directory.Directory // nil skips identity resolution
	Leases    *lease.Table        // shared with the approval engine
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Config    Config
	Now       func() time.Time
}

// Registry owns documents, folders and grants
type Registry struct {
	store    store.Store
	blobs    blobstore.Store
	ledger   ledger.Ledger
	dir      directory.Directory
	leases   *lease.Table
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time
}

// New creates a registry
func New(opts Options) (*Registry, error) {
	if opts.Store == nil || opts.Blobs == nil || opts.Ledger == nil {
		return nil, errors.New("registry: store, blobs and ledger are required")
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewTable()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultConfig()
	if opts.Config.CallTimeout <= 0 {
		opts.Config.CallTimeout = def.CallTimeout
	}
	if opts.Config.MaxVersionRetries <= 0 {
		opts.Config.MaxVersionRetries = def.MaxVersionRetries
	}

	return &Registry{
		store:    opts.Store,
		blobs:    opts.Blobs,
		ledger:   opts.Ledger,
		dir:      opts.Directory,
		leases:   opts.Leases,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		cfg:      opts.Config,
		now:      opts.Now,
	}, nil
}

// DocumentKey is the lease key serializing version assignment of a document
func DocumentKey(documentID string) string {
	return "document:" + documentID
}

func folderTreeKey(owner string) string {
	return "folders:" + owner
}

func newID() string {
	return uuid.NewString()
}

func (r *Registry) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.CallTimeout)
}

// resolveActor checks that actor is known to the identity directory
func (r *Registry) resolveActor(ctx context.Context, actor string) (string, error) {
	actor = custody.CanonicalIdentity(actor)
	if actor == "" {
		return "", custody.Errorf(custody.ErrValidation, "actor identity is required")
	}
	if r.dir == nil {
		return actor, nil
	}
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if _, err := r.dir.Resolve(callCtx, actor); err != nil {
		return "", directory.Classify(err, "resolve "+actor)
	}
	return actor, nil
}

func (r *Registry) putContent(ctx context.Context, content []byte) (string, error) {
	want := blobstore.Hash(content)

	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	hash, err := r.blobs.Put(callCtx, content)
	if err != nil {
		return "", blobstore.Classify(err, "store content")
	}
	if hash != want {
		return "", custody.Errorf(custody.ErrInternal, "blob store returned hash %s, computed %s", hash, want)
	}
	return hash, nil
}

func (r *Registry) appendEvent(ctx context.Context, documentID string, ev ledger.Event) (ledger.Record, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	rec, err := r.ledger.Append(callCtx, documentID, ev, newID())
	r.metrics.RecordLedgerAppend(string(ev.Type()), err)
	return rec, err
}

// CreateInput describes a new document
type CreateInput struct {
	Owner    string
	Content  []byte
	FileName string
	FileType string
	FolderID *string
}

// CreateDocument stores the content, records the upload on the ledger
// and only then creates the document with version 1.
func (r *Registry) CreateDocument(ctx context.Context, in CreateInput) (custody.Document, error) {
	owner, err := r.resolveActor(ctx, in.Owner)
	if err != nil {
		return custody.Document{}, err
	}
	if in.FileName == "" {
		return custody.Document{}, custody.Errorf(custody.ErrValidation, "file name is required")
	}
	if in.FolderID != nil {
		if err := r.checkFolder(ctx, *in.FolderID, owner); err != nil {
			return custody.Document{}, err
		}
	}

	hash, err := r.putContent(ctx, in.Content)
	if err != nil {
		return custody.Document{}, err
	}

	id := newID()
	rec, err := r.appendEvent(ctx, id, ledger.Uploaded{
		Signer:      owner,
		ContentHash: hash,
		FileName:    in.FileName,
		FileType:    in.FileType,
		ByteSize:    int64(len(in.Content)),
	})
	if err != nil {
		return custody.Document{}, ledger.Classify(err, "record upload")
	}

	now := r.now()
	doc := custody.Document{
		ID:             id,
		OwnerIdentity:  owner,
		CurrentVersion: 1,
		FolderID:       in.FolderID,
		FileName:       in.FileName,
		FileType:       in.FileType,
		ByteSize:       int64(len(in.Content)),
		ContentHash:    hash,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsActive:       true,
	}
	first := custody.DocumentVersion{
		DocumentID:    id,
		VersionNumber: 1,
		ContentHash:   hash,
		FileName:      in.FileName,
		ByteSize:      doc.ByteSize,
		UpdatedBy:     owner,
		Timestamp:     now,
		LedgerRef:     rec.Ref,
	}
	if err := r.store.CreateDocument(ctx, doc, first); err != nil {
		r.logger.Error().Err(err).Str("document_id", id).Str("ledger_ref", rec.Ref).
			Msg("upload committed to ledger but document could not be stored")
		return custody.Document{}, store.Classify(err, "create document")
	}

	r.metrics.RecordDocumentCreated()
	r.logger.Info().
		Str("document_id", id).
		Str("owner", owner).
		Str("hash", hash).
		Int64("size", doc.ByteSize).
		Msg("document created")
	return doc, nil
}

// UpdateDocument appends a new version. Version assignment is serialized
// per document; an update that loses a race on the ledger re-reads the
// current version and tries again.
func (r *Registry) UpdateDocument(ctx context.Context, documentID, actor string, content []byte, changeLog string) (custody.DocumentVersion, error) {
	actor, err := r.resolveActor(ctx, actor)
	if err != nil {
		return custody.DocumentVersion{}, err
	}

	release, err := r.leases.Acquire(ctx, DocumentKey(documentID))
	if err != nil {
		return custody.DocumentVersion{}, custody.Wrap(custody.ErrInternal, err, "acquire document lease")
	}
	defer release()

	doc, err := r.authorize(ctx, documentID, actor, custody.AccessWrite)
	if err != nil {
		return custody.DocumentVersion{}, err
	}

	hash, err := r.putContent(ctx, content)
	if err != nil {
		return custody.DocumentVersion{}, err
	}

	for attempt := 0; ; attempt++ {
		next := doc.CurrentVersion + 1
		rec, err := r.appendEvent(ctx, documentID, ledger.Updated{
			Signer:      actor,
			Version:     next,
			ContentHash: hash,
			FileName:    doc.FileName,
			ByteSize:    int64(len(content)),
			ChangeLog:   changeLog,
		})
		if errors.Is(err, ledger.ErrSequenceConflict) && attempt < r.cfg.MaxVersionRetries {
			r.metrics.RecordVersionRetry()
			r.logger.Debug().Str("document_id", documentID).Int("version", next).
				Msg("lost version race, retrying")
			if doc, err = r.authorize(ctx, documentID, actor, custody.AccessWrite); err != nil {
				return custody.DocumentVersion{}, err
			}
			if doc, err = r.catchUp(ctx, doc); err != nil {
				return custody.DocumentVersion{}, custody.AttachRef(err, documentID)
			}
			continue
		}
		if err != nil {
			return custody.DocumentVersion{}, custody.AttachRef(ledger.Classify(err, fmt.Sprintf("record version %d", next)), documentID)
		}

		v := custody.DocumentVersion{
			DocumentID:    documentID,
			VersionNumber: next,
			ContentHash:   hash,
			FileName:      doc.FileName,
			ByteSize:      int64(len(content)),
			UpdatedBy:     actor,
			Timestamp:     r.now(),
			ChangeLog:     changeLog,
			LedgerRef:     rec.Ref,
		}
		if _, err := r.store.AppendVersion(ctx, v, doc.CurrentVersion); err != nil {
			r.logger.Error().Err(err).Str("document_id", documentID).Int("version", next).
				Str("ledger_ref", rec.Ref).Msg("version committed to ledger but not stored")
			return custody.DocumentVersion{}, custody.AttachRef(store.Classify(err, "append version"), documentID)
		}

		r.metrics.RecordVersionAppended()
		r.logger.Info().
			Str("document_id", documentID).
			Int("version", next).
			Str("actor", actor).
			Str("hash", hash).
			Msg("document updated")
		return v, nil
	}
}

// catchUp stores versions the ledger committed but the store never
// recorded, such as after a store failure following a ledger append.
// The caller holds the document lease.
func (r *Registry) catchUp(ctx context.Context, doc custody.Document) (custody.Document, error) {
	callCtx, cancel := r.callContext(ctx)
	records, err := r.ledger.Read(callCtx, doc.ID)
	cancel()
	if err != nil {
		return doc, ledger.Classify(err, "read version history")
	}

	for _, rec := range records {
		ev, ok := rec.Event.(ledger.Updated)
		if !ok || ev.Version != doc.CurrentVersion+1 {
			continue
		}
		v := custody.DocumentVersion{
			DocumentID:    doc.ID,
			VersionNumber: ev.Version,
			ContentHash:   ev.ContentHash,
			FileName:      ev.FileName,
			ByteSize:      ev.ByteSize,
			UpdatedBy:     ev.Signer,
			Timestamp:     rec.Timestamp,
			ChangeLog:     ev.ChangeLog,
			LedgerRef:     rec.Ref,
		}
		if _, err := r.store.AppendVersion(ctx, v, doc.CurrentVersion); err != nil {
			return doc, store.Classify(err, fmt.Sprintf("restore version %d", v.VersionNumber))
		}
		doc.CurrentVersion = v.VersionNumber
		doc.ContentHash = v.ContentHash
		doc.FileName = v.FileName
		doc.ByteSize = v.ByteSize
		doc.UpdatedAt = v.Timestamp

		r.metrics.RecordVersionAppended()
		r.logger.Warn().
			Str("document_id", doc.ID).
			Int("version", v.VersionNumber).
			Str("ledger_ref", rec.Ref).
			Msg("restored version committed to ledger but missing from store")
	}
	return doc, nil
}

// DeactivateDocument logically deletes a document. Content and history
// are kept; the owner can still read it.
func (r *Registry) DeactivateDocument(ctx context.Context, documentID, actor string) error {
	actor, err := r.resolveActor(ctx, actor)
	if err != nil {
		return err
	}

	release, err := r.leases.Acquire(ctx, DocumentKey(documentID))
	if err != nil {
		return custody.Wrap(custody.ErrInternal, err, "acquire document lease")
	}
	defer release()

	doc, err := r.ownedDocument(ctx, documentID, actor)
	if err != nil {
		return err
	}
	if !doc.IsActive {
		return nil
	}

	if _, err := r.appendEvent(ctx, documentID, ledger.Deactivated{Signer: actor}); err != nil {
		return ledger.Classify(err, "record deactivation")
	}
	if err := r.store.SetDocumentActive(ctx, documentID, false, r.now()); err != nil {
		return store.Classify(err, "deactivate document")
	}

	r.logger.Info().Str("document_id", documentID).Str("actor", actor).Msg("document deactivated")
	return nil
}

// GetDocument returns a document the actor can read
func (r *Registry) GetDocument(ctx context.Context, documentID, actor string) (custody.Document, error) {
	return r.authorize(ctx, documentID, custody.CanonicalIdentity(actor), custody.AccessRead)
}

// ListDocuments returns the actor's own active documents. A nil folder
// lists across all folders.
func (r *Registry) ListDocuments(ctx context.Context, actor string, folderID *string) ([]custody.Document, error) {
	actor = custody.CanonicalIdentity(actor)
	q := store.DocumentQuery{Owner: actor, FolderID: folderID, AllFolders: folderID == nil}
	if folderID != nil {
		if err := r.checkFolder(ctx, *folderID, actor); err != nil {
			return nil, err
		}
	}
	docs, err := r.store.ListDocuments(ctx, q)
	if err != nil {
		return nil, store.Classify(err, "list documents")
	}
	return docs, nil
}

// ListVersions returns the version chain in order
func (r *Registry) ListVersions(ctx context.Context, documentID, actor string) ([]custody.DocumentVersion, error) {
	if _, err := r.authorize(ctx, documentID, custody.CanonicalIdentity(actor), custody.AccessRead); err != nil {
		return nil, err
	}
	versions, err := r.store.ListVersions(ctx, documentID)
	if err != nil {
		return nil, store.Classify(err, "list versions")
	}
	return versions, nil
}

// GetVersion returns one version of a document
func (r *Registry) GetVersion(ctx context.Context, documentID, actor string, number int) (custody.DocumentVersion, error) {
	if _, err := r.authorize(ctx, documentID, custody.CanonicalIdentity(actor), custody.AccessRead); err != nil {
		return custody.DocumentVersion{}, err
	}
	v, err := r.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return custody.DocumentVersion{}, store.Classify(err, fmt.Sprintf("get version %d", number))
	}
	return v, nil
}

// ReadContent fetches the bytes of a version (0 for the current one) and
// checks them against the recorded content hash.
func (r *Registry) ReadContent(ctx context.Context, documentID, actor string, number int) ([]byte, custody.DocumentVersion, error) {
	doc, err := r.authorize(ctx, documentID, custody.CanonicalIdentity(actor), custody.AccessRead)
	if err != nil {
		return nil, custody.DocumentVersion{}, err
	}
	if number == 0 {
		number = doc.CurrentVersion
	}
	v, err := r.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return nil, custody.DocumentVersion{}, store.Classify(err, fmt.Sprintf("get version %d", number))
	}

	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	data, err := r.blobs.Get(callCtx, v.ContentHash)
	if err != nil {
		return nil, custody.DocumentVersion{}, blobstore.Classify(err, "fetch content")
	}
	if got := blobstore.Hash(data); got != v.ContentHash {
		r.logger.Error().Str("document_id", documentID).Int("version", number).
			Str("want", v.ContentHash).Str("got", got).Msg("content hash mismatch")
		return nil, custody.DocumentVersion{}, custody.Errorf(custody.ErrInternal, "content of version %d does not match its hash", number)
	}
	return data, v, nil
}

// History returns the document's ledger events in commit order
func (r *Registry) History(ctx context.Context, documentID, actor string) ([]ledger.Record, error) {
	if _, err := r.authorize(ctx, documentID, custody.CanonicalIdentity(actor), custody.AccessRead); err != nil {
		return nil, err
	}
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	records, err := r.ledger.Read(callCtx, documentID)
	if err != nil {
		return nil, ledger.Classify(err, "read history")
	}
	return records, nil
}
