package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/lock"
	"formline/internal/mailbox"
	"formline/internal/metrics"
	"formline/internal/observability/logger"
)

// ErrBusy is returned by RunOnce when a cycle is already running here or on another replica.
var ErrBusy = errors.New("reconciliation cycle already running")

// FormSource is the part of the engine a cycle reads from and submits to.
type FormSource interface {
	OutstandingForms(ctx context.Context) ([]domain.Form, error)
	Submit(ctx context.Context, token string, answers map[string]any, sub engine.Submission) (string, error)
}

type TokenSource interface {
	GetValidToken(ctx context.Context, identity string, provider domain.Provider) (string, error)
}

type MailboxOpener interface {
	Open(provider domain.Provider, accessToken string) (mailbox.Mailbox, error)
}

type Options struct {
	Interval       time.Duration
	Workers        int
	MailboxTimeout time.Duration
	BodyCacheTTL   time.Duration
	// Locker, when set, holds a cycle lease so replicas do not poll the same mailboxes at once.
	Locker   lock.Locker
	LeaseTTL time.Duration
	// AfterCycle runs after every completed cycle, e.g. SLA checks.
	AfterCycle func(ctx context.Context)
	Log        *zap.Logger
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	Forms     int           `json:"forms"`
	Mailboxes int           `json:"mailboxes"`
	Matched   int           `json:"matched"`
	Submitted int           `json:"submitted"`
	Settled   int           `json:"settled"`
	Failures  int           `json:"failures"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

func (r *CycleReport) add(o CycleReport) {
	r.Matched += o.Matched
	r.Submitted += o.Submitted
	r.Settled += o.Settled
	r.Failures += o.Failures
	r.Skipped += o.Skipped
}

type Scheduler struct {
	forms   FormSource
	tokens  TokenSource
	opener  MailboxOpener
	opts    Options
	bodies  *gocache.Cache
	running atomic.Bool
	cycles  atomic.Uint64
	wg      sync.WaitGroup
}

func New(forms FormSource, tokens TokenSource, opener MailboxOpener, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MailboxTimeout <= 0 {
		opts.MailboxTimeout = 30 * time.Second
	}
	if opts.BodyCacheTTL <= 0 {
		opts.BodyCacheTTL = 24 * time.Hour
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = opts.Interval
	}
	if opts.Log == nil {
		opts.Log = logger.Named("reconcile")
	}
	return &Scheduler{
		forms:  forms,
		tokens: tokens,
		opener: opener,
		opts:   opts,
		bodies: gocache.New(opts.BodyCacheTTL, 2*opts.BodyCacheTTL),
	}
}

// Run starts a cycle immediately and then on every interval until ctx is
// done. A tick that fires while a cycle is still running is dropped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer func() {
		ticker.Stop()
		s.wg.Wait()
	}()
	s.launch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.launch(ctx)
		}
	}
}

func (s *Scheduler) launch(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrBusy) {
				s.opts.Log.Debug("tick skipped, previous cycle still running")
				return
			}
			if ctx.Err() == nil {
				s.opts.Log.Error("reconciliation cycle failed", logger.Err(err))
			}
		}
	}()
}

// Busy reports whether a cycle is running in this process.
func (s *Scheduler) Busy() bool { return s.running.Load() }

type mailboxKey struct {
	issuer   string
	provider domain.Provider
}

// RunOnce executes one cycle. It returns ErrBusy without doing any work
// when another cycle holds the slot.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.ReconcileCycles.WithLabelValues("skipped").Inc()
		return CycleReport{}, ErrBusy
	}
	defer s.running.Store(false)

	if s.opts.Locker != nil {
		release, ok, err := s.opts.Locker.Acquire(ctx, "reconcile-cycle", s.opts.LeaseTTL)
		switch {
		case err != nil:
			s.opts.Log.Warn("cycle lease unavailable, running without it", logger.Err(err))
		case !ok:
			metrics.ReconcileCycles.WithLabelValues("skipped").Inc()
			return CycleReport{}, ErrBusy
		default:
			defer release()
		}
	}

	start := time.Now()
	cycle := s.cycles.Add(1) - 1
	forms, err := s.forms.OutstandingForms(ctx)
	if err != nil {
		metrics.ReconcileCycles.WithLabelValues("failed").Inc()
		return CycleReport{}, fmt.Errorf("load outstanding forms: %w", err)
	}

	report := CycleReport{Forms: len(forms)}
	groups := map[mailboxKey][]domain.Form{}
	var keys []mailboxKey
	for _, f := range forms {
		if !f.Provider.Valid() {
			report.Skipped++
			continue
		}
		k := mailboxKey{issuer: f.IssuerEmail, provider: f.Provider}
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], f)
	}
	report.Mailboxes = len(keys)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Workers)
	for _, k := range keys {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(ctx, s.opts.MailboxTimeout)
			defer cancel()
			part := s.reconcileMailbox(mctx, k, rotate(groups[k], cycle))
			mu.Lock()
			report.add(part)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	metrics.ReconcileCycles.WithLabelValues("completed").Inc()
	metrics.ReconcileDuration.Observe(report.Duration.Seconds())
	s.opts.Log.Info("reconciliation cycle finished",
		logger.Int("forms", report.Forms),
		logger.Int("mailboxes", report.Mailboxes),
		logger.Int("matched", report.Matched),
		logger.Int("submitted", report.Submitted),
		logger.Int("failures", report.Failures),
		logger.Duration(report.Duration),
	)
	if s.opts.AfterCycle != nil {
		s.opts.AfterCycle(ctx)
	}
	return report, nil
}

func (s *Scheduler) reconcileMailbox(ctx context.Context, k mailboxKey, forms []domain.Form) (rep CycleReport) {
	provider := string(k.provider)
	log := s.opts.Log.With(logger.Mailbox(k.issuer), logger.Provider(provider))
	defer func() {
		if r := recover(); r != nil {
			log.Error("mailbox reconciliation panicked", logger.String("panic", fmt.Sprint(r)))
			metrics.MailboxFailures.WithLabelValues(provider, "panic").Inc()
			rep.Failures++
		}
	}()

	token, err := s.tokens.GetValidToken(ctx, k.issuer, k.provider)
	if err != nil {
		log.Warn("mailbox unavailable this cycle", logger.Err(err))
		metrics.MailboxFailures.WithLabelValues(provider, "token").Inc()
		rep.Failures++
		return rep
	}
	mb, err := s.opener.Open(k.provider, token)
	if err != nil {
		log.Warn("open mailbox failed", logger.Err(err))
		metrics.MailboxFailures.WithLabelValues(provider, "open").Inc()
		rep.Failures++
		return rep
	}
	for _, f := range forms {
		if ctx.Err() != nil {
			log.Warn("mailbox timed out", logger.Err(ctx.Err()))
			metrics.MailboxFailures.WithLabelValues(provider, "timeout").Inc()
			rep.Failures++
			return rep
		}
		rep.add(s.reconcileForm(ctx, log, k, mb, f))
	}
	return rep
}

func (s *Scheduler) reconcileForm(ctx context.Context, log *zap.Logger, k mailboxKey, mb mailbox.Mailbox, f domain.Form) (rep CycleReport) {
	provider := string(k.provider)
	log = log.With(logger.FormToken(f.Token))
	refs, err := mb.ListMessagesFrom(ctx, f.CandidateEmail, f.ReconcileSince())
	if err != nil {
		log.Warn("list messages failed", logger.Err(err))
		metrics.MailboxFailures.WithLabelValues(provider, "list").Inc()
		rep.Failures++
		return rep
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].ReceivedAt.Before(refs[j].ReceivedAt) })

	for _, ref := range refs {
		if !IsLikelyReply(ref, f) {
			continue
		}
		rep.Matched++
		metrics.ReconcileMatches.WithLabelValues(provider).Inc()
		msg, err := s.body(ctx, k, mb, ref.ID)
		if err != nil {
			log.Warn("fetch message failed", logger.MessageID(ref.ID), logger.Err(err))
			metrics.MailboxFailures.WithLabelValues(provider, "fetch").Inc()
			rep.Failures++
			continue
		}
		extracted, ok := Extract(msg.Body)
		if !ok {
			log.Info("reply has no extractable answers", logger.MessageID(ref.ID))
			continue
		}
		answers := mapToFields(extracted, f.Fields)
		if len(answers) == 0 {
			log.Info("reply answers match no form field", logger.MessageID(ref.ID))
			continue
		}
		_, err = s.forms.Submit(ctx, f.Token, answers, engine.Submission{Origin: domain.OriginEmail, Source: Address(ref.From)})
		switch {
		case err == nil:
			rep.Submitted++
			metrics.ReconcileSubmissions.WithLabelValues(provider).Inc()
			log.Info("email reply submitted", logger.MessageID(ref.ID))
			return rep
		case errors.Is(err, domain.ErrAlreadyCompleted), errors.Is(err, domain.ErrExpired):
			rep.Settled++
			log.Info("form settled before reply was submitted", logger.MessageID(ref.ID), logger.Err(err))
			return rep
		case errors.Is(err, domain.ErrValidationFailed):
			log.Info("reply answers rejected", logger.MessageID(ref.ID), logger.Err(err))
		default:
			log.Warn("submit reply failed", logger.MessageID(ref.ID), logger.Err(err))
			metrics.MailboxFailures.WithLabelValues(provider, "submit").Inc()
			rep.Failures++
			return rep
		}
	}
	return rep
}

// rotate shifts the start of a mailbox's form list by one on every cycle.
func rotate(forms []domain.Form, cycle uint64) []domain.Form {
	if len(forms) < 2 {
		return forms
	}
	n := int(cycle % uint64(len(forms)))
	out := make([]domain.Form, 0, len(forms))
	out = append(out, forms[n:]...)
	return append(out, forms[:n]...)
}

// body fetches a message once per cache lifetime; message bodies do not change.
func (s *Scheduler) body(ctx context.Context, k mailboxKey, mb mailbox.Mailbox, id string) (mailbox.Message, error) {
	key := string(k.provider) + "|" + k.issuer + "|" + id
	if v, ok := s.bodies.Get(key); ok {
		return v.(mailbox.Message), nil
	}
	msg, err := mb.FetchBody(ctx, id)
	if err != nil {
		return mailbox.Message{}, err
	}
	s.bodies.Set(key, msg, gocache.DefaultExpiration)
	return msg, nil
}
