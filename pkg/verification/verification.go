// ABOUTME: Issues and resolves public verification codes for approved requests
// ABOUTME: Codes look like DCH-2025-7K2Q9A and resolve without authentication

package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/custody/internal/metrics"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/store"
)

const (
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomLen   = 6
	maxUnbiased = 252 // largest multiple of len(alphabet) below 256
)

var (
	codePattern   = regexp.MustCompile(`^[A-Z]{3}-\d{4}-[A-Z0-9]{6}$`)
	prefixPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Config tunes code issuance
type Config struct {
	Prefix      string `yaml:"prefix" validate:"omitempty,len=3,alpha"`
	MaxAttempts int    `yaml:"max_attempts" validate:"gte=0"`
}

// DefaultConfig returns the issuance defaults
func DefaultConfig() Config {
	return Config{Prefix: "DCH", MaxAttempts: 8}
}

// Options are the service's collaborators
type Options struct {
	Store   store.Store
	Ledger  ledger.Ledger // nil skips checking decisions against the ledger
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Config  Config
	Now     func() time.Time
	Random  io.Reader // defaults to crypto/rand
}

// Service issues and resolves verification codes
type Service struct {
	store   store.Store
	ledger  ledger.Ledger
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
	random  io.Reader
}

// New creates a verification service
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("verification: store is required")
	}
	def := DefaultConfig()
	if opts.Config.Prefix == "" {
		opts.Config.Prefix = def.Prefix
	}
	opts.Config.Prefix = strings.ToUpper(opts.Config.Prefix)
	if !prefixPattern.MatchString(opts.Config.Prefix) {
		return nil, fmt.Errorf("verification: prefix %q must be three letters", opts.Config.Prefix)
	}
	if opts.Config.MaxAttempts <= 0 {
		opts.Config.MaxAttempts = def.MaxAttempts
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}

	return &Service{
		store:   opts.Store,
		ledger:  opts.Ledger,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		cfg:     opts.Config,
		now:     opts.Now,
		random:  opts.Random,
	}, nil
}

// Canonical normalizes user input to the stored form of a code
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code has the verification code shape
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

func (s *Service) generate(year int) (string, error) {
	var out [randomLen]byte
	var buf [16]byte
	n := 0
	for n < randomLen {
		if _, err := io.ReadFull(s.random, buf[:]); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			out[n] = alphabet[int(b)%len(alphabet)]
			n++
			if n == randomLen {
				break
			}
		}
	}
	return fmt.Sprintf("%s-%04d-%s", s.cfg.Prefix, year%10000, out[:]), nil
}

// Issue creates the verification record of an approved request. It is
// idempotent per request: a repeated call returns the existing record.
// Codes are checked for prior existence and regenerated on collision.
func (s *Service) Issue(ctx context.Context, requestID, ledgerRef string) (custody.VerificationRecord, error) {
	if rec, err := s.store.VerificationForRequest(ctx, requestID); err == nil {
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return custody.VerificationRecord{}, store.Classify(err, "verification lookup")
	}

	now := s.now()
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		code, err := s.generate(now.Year())
		if err != nil {
			return custody.VerificationRecord{}, custody.Wrap(custody.ErrInternal, err, "generate verification code")
		}

		if _, err := s.store.GetVerification(ctx, code); err == nil {
			s.logger.Warn().Str("code", code).Int("attempt", attempt+1).Msg("verification code collision")
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return custody.VerificationRecord{}, store.Classify(err, "verification lookup")
		}

		rec := custody.VerificationRecord{
			Code:              code,
			ApprovalRequestID: requestID,
			LedgerRef:         ledgerRef,
			IssuedAt:          now,
		}
		err = s.store.CreateVerification(ctx, rec)
		switch {
		case err == nil:
			s.metrics.RecordVerificationIssued()
			s.logger.Info().Str("request_id", requestID).Str("code", code).Msg("verification code issued")
			return rec, nil
		case errors.Is(err, store.ErrDuplicateCode):
			s.logger.Warn().Str("code", code).Int("attempt", attempt+1).Msg("verification code collision")
		case errors.Is(err, store.ErrAlreadyIssued):
			existing, err := s.store.VerificationForRequest(ctx, requestID)
			if err != nil {
				return custody.VerificationRecord{}, store.Classify(err, "verification lookup")
			}
			return existing, nil
		default:
			return custody.VerificationRecord{}, store.Classify(err, "store verification")
		}
	}
	return custody.VerificationRecord{}, custody.Errorf(custody.ErrInternal, "no free verification code after %d attempts", s.cfg.MaxAttempts)
}

// DocumentView is the public metadata of the approved document version
type DocumentView struct {
	ID          string `json:"id"`
	FileName    string `json:"file_name"`
	FileType    string `json:"file_type"`
	ByteSize    int64  `json:"byte_size"`
	ContentHash string `json:"content_hash"`
	Version     int    `json:"version"`
}

// ApproverView is one approver's public decision record
type ApproverView struct {
	Identity      string     `json:"identity"`
	Institution   string     `json:"institution,omitempty"`
	Role          string     `json:"role,omitempty"`
	SequenceIndex int        `json:"sequence_index"`
	Decision      string     `json:"decision"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	LedgerRef     string     `json:"ledger_ref,omitempty"`
}

// View is the unauthenticated answer to a verification lookup. It never
// carries document bytes.
type View struct {
	Code                 string         `json:"code"`
	IssuedAt             time.Time      `json:"issued_at"`
	RequestID            string         `json:"request_id"`
	Status               string         `json:"status"`
	RoutingMode          string         `json:"routing_mode"`
	ApprovedAt           *time.Time     `json:"approved_at,omitempty"`
	Requester            string         `json:"requester"`
	RequesterInstitution string         `json:"requester_institution,omitempty"`
	Document             DocumentView   `json:"document"`
	Approvers            []ApproverView `json:"approvers"`
	LedgerRef            string         `json:"ledger_ref"`
}

func notFound(code string) error {
	return custody.Errorf(custody.ErrNotFound, "verification code %s", code)
}

// Resolve returns the public view of a verification code. Malformed,
// unknown and not-approved codes all return NotFound.
func (s *Service) Resolve(ctx context.Context, code string) (View, error) {
	view, err := s.resolve(ctx, Canonical(code))
	switch {
	case err == nil:
		s.metrics.RecordVerificationResolve("found")
	case errors.Is(err, custody.ErrNotFound):
		s.metrics.RecordVerificationResolve("not_found")
	default:
		s.metrics.RecordVerificationResolve("error")
	}
	return view, err
}

func (s *Service) resolve(ctx context.Context, code string) (View, error) {
	if !ValidCode(code) {
		return View{}, notFound(code)
	}

	rec, err := s.store.GetVerification(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return View{}, notFound(code)
	}
	if err != nil {
		return View{}, store.Classify(err, "verification lookup")
	}

	req, approvers, err := s.store.GetApproval(ctx, rec.ApprovalRequestID)
	if errors.Is(err, store.ErrNotFound) {
		return View{}, notFound(code)
	}
	if err != nil {
		return View{}, store.Classify(err, "approval lookup")
	}
	if req.Status != custody.StatusApproved {
		return View{}, notFound(code)
	}

	if err := s.checkLedger(ctx, req, approvers); err != nil {
		return View{}, err
	}

	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return View{}, store.Classify(err, "document lookup")
	}
	version, err := s.store.GetVersion(ctx, req.DocumentID, req.DocumentVersion)
	if err != nil {
		return View{}, store.Classify(err, "version lookup")
	}

	view := View{
		Code:                 rec.Code,
		IssuedAt:             rec.IssuedAt,
		RequestID:            req.ID,
		Status:               string(req.Status),
		RoutingMode:          string(req.RoutingMode),
		ApprovedAt:           req.ClosedAt,
		Requester:            req.RequesterIdentity,
		RequesterInstitution: req.RequesterInstitution,
		Document: DocumentView{
			ID:          doc.ID,
			FileName:    version.FileName,
			FileType:    doc.FileType,
			ByteSize:    version.ByteSize,
			ContentHash: version.ContentHash,
			Version:     version.VersionNumber,
		},
		Approvers: make([]ApproverView, 0, len(approvers)),
		LedgerRef: rec.LedgerRef,
	}
	for _, a := range approvers {
		view.Approvers = append(view.Approvers, ApproverView{
			Identity:      a.Identity,
			Institution:   a.Institution,
			Role:          a.Role,
			SequenceIndex: a.SequenceIndex,
			Decision:      string(a.Decision),
			DecidedAt:     a.DecidedAt,
			Comment:       a.Comment,
			LedgerRef:     a.LedgerRef,
		})
	}
	return view, nil
}

// checkLedger confirms every stored decision against the Decided event it
// references. The stored approvers are a projection of the ledger; a
// decision the ledger does not back is never shown.
func (s *Service) checkLedger(ctx context.Context, req custody.ApprovalRequest, approvers []custody.Approver) error {
	if s.ledger == nil {
		return nil
	}
	records, err := s.ledger.Read(ctx, req.DocumentID)
	if err != nil {
		return ledger.Classify(err, "read decisions")
	}
	byRef := make(map[string]ledger.Record, len(records))
	for _, rec := range records {
		byRef[rec.Ref] = rec
	}

	for _, a := range approvers {
		if a.Decision == custody.DecisionPending {
			continue
		}
		rec, ok := byRef[a.LedgerRef]
		ev, isDecision := rec.Event.(ledger.Decided)
		if !ok || !isDecision || ev.RequestID != req.ID ||
			custody.CanonicalIdentity(ev.Signer) != a.Identity || ev.Decision != string(a.Decision) {
			s.logger.Error().
				Str("request_id", req.ID).
				Str("approver", a.Identity).
				Str("ledger_ref", a.LedgerRef).
				Msg("stored decision is not backed by the ledger")
			return custody.Errorf(custody.ErrInternal, "decision of %s on request %s does not match the ledger", a.Identity, req.ID)
		}
	}
	return nil
}
