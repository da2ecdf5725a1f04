package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bitespeed/internal/domainerrors"
	"bitespeed/internal/lock"
	"bitespeed/internal/metrics"
	"bitespeed/internal/models"
	"bitespeed/internal/sentinel"
	"bitespeed/internal/store"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxAttempts = 3
)

// ContactStore is a contact store that can also open transactions.
type ContactStore interface {
	store.Store
	store.Transactor
}

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	store       ContactStore
	locker      lock.Locker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	timeout     time.Duration
	maxAttempts int
}

// Option configures a ReconciliationService.
type Option func(*ReconciliationService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *ReconciliationService) {
		s.logger = logger
	}
}

// WithLocker replaces the default in-process locker, e.g. with a Redis one
// when several instances share a database.
func WithLocker(l lock.Locker) Option {
	return func(s *ReconciliationService) {
		s.locker = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReconciliationService) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *ReconciliationService) {
		s.tracer = t
	}
}

// WithTimeout bounds calls whose context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *ReconciliationService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxAttempts bounds how many times a call is re-run after a write conflict.
func WithMaxAttempts(n int) Option {
	return func(s *ReconciliationService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(st ContactStore, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		store:       st,
		locker:      lock.NewLocal(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:      otel.Tracer("bitespeed/service"),
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// result is what one successful attempt produced.
type result struct {
	response *models.IdentifyResponse
	outcome  string
	demoted  []int64
}

// Identify resolves the request against stored contacts, creating, linking, or
// merging contacts as needed, and returns the consolidated view of the group.
//
// The whole read-decide-write sequence runs under a per-identifier lock and in
// one store transaction. Attempts that lose a write race are re-run from the
// lookup, up to the configured limit.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	start := time.Now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.ObserveFailure(string(domainerrors.CodeValidation), time.Since(start))
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "reconcile.identify", trace.WithAttributes(
		attribute.Bool("request.has_email", req.Email != nil),
		attribute.Bool("request.has_phone", req.PhoneNumber != nil),
	))
	defer span.End()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, attempts, err := s.identifyLocked(ctx, req)
	span.SetAttributes(attribute.Int("reconcile.attempts", attempts))
	if err != nil {
		err = s.translate(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveFailure(string(domainerrors.CodeOf(err)), time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("contact.primary_id", res.response.Contact.PrimaryContactID),
		attribute.String("reconcile.outcome", res.outcome),
	)
	s.metrics.AddDemotedPrimaries(len(res.demoted))
	s.metrics.ObserveReconcile(res.outcome, time.Since(start))
	if len(res.demoted) > 0 {
		s.logger.InfoContext(ctx, "identity groups merged",
			"primary_id", res.response.Contact.PrimaryContactID,
			"demoted_ids", res.demoted,
		)
	}
	return res.response, nil
}

func (s *ReconciliationService) identifyLocked(ctx context.Context, req models.IdentifyRequest) (*result, int, error) {
	release, err := s.locker.Lock(ctx, lock.KeysFor(req.Email, req.PhoneNumber)...)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		var res *result
		err := s.store.RunInTx(ctx, func(tx store.Store) error {
			var err error
			res, err = s.reconcile(ctx, tx, req.Email, req.PhoneNumber)
			return err
		})
		if err == nil {
			return res, attempt, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) || attempt >= s.maxAttempts || ctx.Err() != nil {
			return nil, attempt, err
		}
		s.metrics.IncConflictRetries()
		s.logger.DebugContext(ctx, "retrying identify after write conflict", "attempt", attempt, "error", err)
	}
}

// reconcile runs the full algorithm against a transaction-bound store.
func (s *ReconciliationService) reconcile(ctx context.Context, tx store.Store, email, phoneNumber *string) (*result, error) {
	matches, err := tx.FindByEmailOrPhone(ctx, email, phoneNumber)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		contact, err := tx.Create(ctx, email, phoneNumber, models.PrecedencePrimary, nil)
		if err != nil {
			return nil, err
		}
		return &result{
			response: buildResponse(contact, []*models.Contact{contact}),
			outcome:  metrics.OutcomeCreatedPrimary,
		}, nil
	}

	related, err := expandGroups(ctx, tx, matches)
	if err != nil {
		return nil, err
	}

	primary, err := resolvePrimary(ctx, tx, related[0])
	if err != nil {
		return nil, err
	}

	survivor, demoted, err := mergePrimaries(ctx, tx, related)
	if err != nil {
		return nil, err
	}
	if survivor.ID != primary.ID {
		if len(demoted) == 0 {
			return nil, invariantViolation("oldest related contact resolves to %d but only primary is %d", primary.ID, survivor.ID)
		}
		primary = survivor
	}

	outcome := metrics.OutcomeMatched
	if len(demoted) > 0 {
		outcome = metrics.OutcomeMerged
	}

	group, err := tx.FindByPrimaryOrLinked(ctx, primary.ID)
	if err != nil {
		return nil, err
	}
	if err := checkMembership(primary.ID, group, matches); err != nil {
		return nil, err
	}
	if hasNewInformation(group, email, phoneNumber) && !hasPair(group, email, phoneNumber) {
		if _, err := tx.Create(ctx, email, phoneNumber, models.PrecedenceSecondary, &primary.ID); err != nil {
			return nil, err
		}
		if outcome == metrics.OutcomeMatched {
			outcome = metrics.OutcomeCreatedSecondary
		}
	}

	response, err := consolidate(ctx, tx, primary.ID, matches)
	if err != nil {
		return nil, err
	}
	return &result{response: response, outcome: outcome, demoted: demoted}, nil
}

// expandGroups pulls in the primary of every matched contact, following
// linkedId references until no new contact appears. The result is ordered
// oldest first.
func expandGroups(ctx context.Context, tx store.Store, matches []*models.Contact) ([]*models.Contact, error) {
	ids := make(map[int64]struct{}, len(matches)*2)
	for _, c := range matches {
		ids[c.ID] = struct{}{}
		if c.LinkedID != nil {
			ids[*c.LinkedID] = struct{}{}
		}
	}

	for {
		related, err := tx.FindByIDs(ctx, keys(ids))
		if err != nil {
			return nil, err
		}

		grew := false
		for _, c := range related {
			if c.LinkedID == nil {
				continue
			}
			if _, ok := ids[*c.LinkedID]; !ok {
				ids[*c.LinkedID] = struct{}{}
				grew = true
			}
		}
		if grew {
			continue
		}

		if len(related) == 0 {
			return nil, invariantViolation("matched contacts vanished during expansion")
		}
		if err := checkLinks(related); err != nil {
			return nil, err
		}
		return related, nil
	}
}

// checkLinks verifies every secondary in the set points at a contact in the set.
func checkLinks(contacts []*models.Contact) error {
	present := make(map[int64]struct{}, len(contacts))
	for _, c := range contacts {
		present[c.ID] = struct{}{}
	}
	for _, c := range contacts {
		if c.IsPrimary() {
			continue
		}
		if c.LinkedID == nil {
			return invariantViolation("secondary contact %d has no linkedId", c.ID)
		}
		if _, ok := present[*c.LinkedID]; !ok {
			return invariantViolation("contact %d links to missing contact %d", c.ID, *c.LinkedID)
		}
	}
	return nil
}

// resolvePrimary returns candidate itself when primary, otherwise the contact
// its linkedId references, which must be primary.
func resolvePrimary(ctx context.Context, tx store.Store, candidate *models.Contact) (*models.Contact, error) {
	if candidate.IsPrimary() {
		return candidate, nil
	}
	if candidate.LinkedID == nil {
		return nil, invariantViolation("secondary contact %d has no linkedId", candidate.ID)
	}
	primary, err := tx.FindByID(ctx, *candidate.LinkedID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, invariantViolation("contact %d links to missing contact %d", candidate.ID, *candidate.LinkedID)
		}
		return nil, err
	}
	if !primary.IsPrimary() {
		return nil, invariantViolation("contact %d links to secondary contact %d", candidate.ID, primary.ID)
	}
	return primary, nil
}

// mergePrimaries keeps the oldest primary among related and demotes the rest,
// re-pointing their secondaries at the survivor. It returns the survivor and
// the ids of demoted contacts.
func mergePrimaries(ctx context.Context, tx store.Store, related []*models.Contact) (*models.Contact, []int64, error) {
	var primaries []*models.Contact
	for _, c := range related {
		if c.IsPrimary() {
			primaries = append(primaries, c)
		}
	}
	if len(primaries) == 0 {
		return nil, nil, invariantViolation("no primary among %d related contacts", len(related))
	}

	// related is ordered oldest first, so primaries is too.
	survivor := primaries[0]
	secondary := models.PrecedenceSecondary
	var demoted []int64
	for _, p := range primaries[1:] {
		if err := tx.Update(ctx, p.ID, models.ContactUpdate{LinkedID: &survivor.ID, LinkPrecedence: &secondary}); err != nil {
			return nil, nil, err
		}
		if err := tx.UpdateManyLinkedID(ctx, p.ID, survivor.ID); err != nil {
			return nil, nil, err
		}
		demoted = append(demoted, p.ID)
	}
	return survivor, demoted, nil
}

// hasNewInformation reports whether email or phoneNumber is absent from every
// contact in group.
func hasNewInformation(group []*models.Contact, email, phoneNumber *string) bool {
	emails := make(map[string]struct{})
	phones := make(map[string]struct{})
	for _, c := range group {
		if c.Email != nil {
			emails[*c.Email] = struct{}{}
		}
		if c.PhoneNumber != nil {
			phones[*c.PhoneNumber] = struct{}{}
		}
	}
	if email != nil {
		if _, ok := emails[*email]; !ok {
			return true
		}
	}
	if phoneNumber != nil {
		if _, ok := phones[*phoneNumber]; !ok {
			return true
		}
	}
	return false
}

func hasPair(group []*models.Contact, email, phoneNumber *string) bool {
	for _, c := range group {
		if c.HasPair(email, phoneNumber) {
			return true
		}
	}
	return false
}

// consolidate re-reads the group of primaryID and builds the response. Every
// contact the lookup matched must have ended up in this group.
func consolidate(ctx context.Context, tx store.Store, primaryID int64, matches []*models.Contact) (*models.IdentifyResponse, error) {
	primary, err := tx.FindByID(ctx, primaryID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, invariantViolation("primary contact %d disappeared", primaryID)
		}
		return nil, err
	}
	if !primary.IsPrimary() {
		return nil, invariantViolation("contact %d expected to be primary is %s", primary.ID, primary.LinkPrecedence)
	}

	members, err := tx.FindByPrimaryOrLinked(ctx, primaryID)
	if err != nil {
		return nil, err
	}

	if err := checkMembership(primaryID, members, matches); err != nil {
		return nil, err
	}
	return buildResponse(primary, members), nil
}

// checkMembership verifies group holds a single primary and every contact
// the lookup matched.
func checkMembership(primaryID int64, group, matches []*models.Contact) error {
	inGroup := make(map[int64]struct{}, len(group))
	for _, c := range group {
		if c.ID != primaryID && c.IsPrimary() {
			return invariantViolation("primary contact %d links to %d", c.ID, primaryID)
		}
		inGroup[c.ID] = struct{}{}
	}
	for _, c := range matches {
		if _, ok := inGroup[c.ID]; !ok {
			return invariantViolation("matched contact %d is outside group %d", c.ID, primaryID)
		}
	}
	return nil
}

// buildResponse lists the primary's own email and phone first, then the
// remaining distinct values in store order.
func buildResponse(primary *models.Contact, members []*models.Contact) *models.IdentifyResponse {
	emails := newOrderedSet()
	phones := newOrderedSet()
	secondaryIDs := []int64{}

	emails.add(primary.Email)
	phones.add(primary.PhoneNumber)
	for _, c := range members {
		if c.ID == primary.ID {
			continue
		}
		emails.add(c.Email)
		phones.add(c.PhoneNumber)
		if c.LinkPrecedence == models.PrecedenceSecondary {
			secondaryIDs = append(secondaryIDs, c.ID)
		}
	}

	return &models.IdentifyResponse{
		Contact: models.ContactResponse{
			PrimaryContactID:    primary.ID,
			Emails:              emails.values,
			PhoneNumbers:        phones.values,
			SecondaryContactIDs: secondaryIDs,
		},
	}
}

type orderedSet struct {
	seen   map[string]struct{}
	values []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), values: []string{}}
}

func (o *orderedSet) add(v *string) {
	if v == nil {
		return
	}
	if _, ok := o.seen[*v]; ok {
		return
	}
	o.seen[*v] = struct{}{}
	o.values = append(o.values, *v)
}

// translate maps infrastructure failures onto domain errors exactly once.
func (s *ReconciliationService) translate(ctx context.Context, err error) error {
	var domainErr *domainerrors.Error
	if errors.As(err, &domainErr) {
		if domainErr.Code == domainerrors.CodeInvariantViolation {
			s.logger.ErrorContext(ctx, "contact data violates link invariants", "error", err)
		}
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return domainerrors.Wrap(err, domainerrors.CodeTimeout, "identify timed out")
	case errors.Is(err, sentinel.ErrConflict):
		return domainerrors.Wrap(err, domainerrors.CodeConflict, "concurrent update to the same identity, retry the request")
	default:
		return domainerrors.Wrap(err, domainerrors.CodeDataAccess, "contact store failure")
	}
}

func invariantViolation(format string, args ...any) error {
	return domainerrors.New(domainerrors.CodeInvariantViolation, fmt.Sprintf(format, args...))
}

func keys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
