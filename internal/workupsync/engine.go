package workupsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
	"github.com/agentworkforce/operatorsync/internal/metrics"
	"github.com/agentworkforce/operatorsync/internal/workup"
)

var (
	ErrPassInFlight  = errors.New("reconciliation pass already running")
	ErrNoConflict    = errors.New("workup has no pending conflict")
	ErrInvalidChoice = errors.New("invalid conflict resolution choice")
)

const (
	DefaultInterval       = 15 * time.Second
	DefaultIntervalJitter = 0.2
	DefaultPassTimeout    = 60 * time.Second
)

type RemoteRecord = workup.RemoteRecord

// RemoteRef is what the remote store returns after a create or update.
type RemoteRef struct {
	ID           string
	URL          string
	LastEditedAt time.Time
}

type RemoteClient interface {
	FetchListing(ctx context.Context) ([]RemoteRecord, error)
	CreateRecord(ctx context.Context, fields workup.Fields) (RemoteRef, error)
	UpdateRecord(ctx context.Context, id string, fields workup.Fields) (RemoteRef, error)
}

type Choice string

const (
	ChoiceKeepLocal  Choice = "keep-local"
	ChoiceTakeRemote Choice = "take-remote"
)

type Logger interface {
	Printf(format string, args ...any)
}

type EngineOptions struct {
	Interval       time.Duration
	IntervalJitter float64
	PassTimeout    time.Duration
	Logger         Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time

	// AutoSync, when set, is consulted before every background pass. Passes
	// requested through Reconcile always run.
	AutoSync func(ctx context.Context) bool
}

// PassReport summarises one reconciliation pass.
type PassReport struct {
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Listed     int               `json:"listed"`
	Pulled     int               `json:"pulled"`
	Synced     int               `json:"synced"`
	Conflicts  int               `json:"conflicts"`
	Created    int               `json:"created"`
	Pushed     int               `json:"pushed"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

func (r *PassReport) fail(id string, err error) {
	r.Failed++
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[id] = err.Error()
}

// Engine reconciles the local workup store with a remote database.
type Engine struct {
	store   *workup.Store
	client  RemoteClient
	opts    EngineOptions
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time

	running atomic.Bool
	trigger chan struct{}

	mu   sync.Mutex
	last *PassReport
}

func NewEngine(store *workup.Store, client RemoteClient, opts EngineOptions) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = DefaultPassTimeout
	}
	opts.IntervalJitter = clampJitterRatio(opts.IntervalJitter)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   store,
		client:  client,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     now,
		trigger: make(chan struct{}, 1),
	}, nil
}

// LastReport returns the most recent completed pass, if any.
func (e *Engine) LastReport() (PassReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return PassReport{}, false
	}
	return *e.last, true
}

// Reconcile runs one pass: fetch the listing, pull or flag conflicts for
// tracked records, then push dirty records. A pass already in progress
// makes this return ErrPassInFlight without doing anything.
func (e *Engine) Reconcile(ctx context.Context) (PassReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.RecordSyncPass(metrics.StatusSkipped, 0)
		return PassReport{}, ErrPassInFlight
	}
	report := PassReport{StartedAt: e.now()}
	err := func() error {
		defer e.running.Store(false)
		return e.reconcile(ctx, &report)
	}()
	report.FinishedAt = e.now()
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
	}
	e.metrics.RecordSyncPass(status, report.FinishedAt.Sub(report.StartedAt))
	if err != nil {
		return report, err
	}
	e.mu.Lock()
	e.last = &report
	e.mu.Unlock()
	return report, nil
}

func (e *Engine) reconcile(ctx context.Context, report *PassReport) error {
	listing, err := e.client.FetchListing(ctx)
	if err != nil {
		return fmt.Errorf("fetch listing: %w", err)
	}
	report.Listed = len(listing)
	byRemoteID := make(map[string]RemoteRecord, len(listing))
	for _, remote := range listing {
		byRemoteID[remote.ID] = remote
	}

	records, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list workups: %w", err)
	}
	// Records whose values differ from the remote row although neither side
	// advanced its timestamp. Local wins.
	forcePush := make(map[string]bool)
	for _, record := range records {
		if record.RemoteID == "" {
			continue
		}
		remote, ok := byRemoteID[record.RemoteID]
		if !ok {
			continue
		}
		outcome, stale, err := e.pull(ctx, record.ID, remote)
		if stale {
			forcePush[record.ID] = true
		}
		if err != nil {
			if errors.Is(err, workup.ErrNotFound) {
				continue
			}
			report.fail(record.ID, err)
			e.logf("workupsync: pull %s failed: %v", record.ID, err)
			continue
		}
		switch outcome {
		case metrics.OutcomePulled:
			report.Pulled++
		case metrics.OutcomeSynced:
			report.Synced++
		case metrics.OutcomeConflict:
			report.Conflicts++
		}
		if outcome != "" {
			e.metrics.RecordSyncRecord(outcome)
		}
	}

	records, err = e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list workups: %w", err)
	}
	for _, record := range records {
		if !record.AutoSyncable() || !(record.LocallyChanged() || forcePush[record.ID]) {
			continue
		}
		outcome, err := e.push(ctx, record)
		if err != nil {
			report.fail(record.ID, err)
			e.metrics.RecordSyncRecord(metrics.OutcomeError)
			continue
		}
		switch outcome {
		case metrics.OutcomeCreated:
			report.Created++
		case metrics.OutcomePushed:
			report.Pushed++
		}
		e.metrics.RecordSyncRecord(outcome)
	}
	return nil
}

// pull compares one tracked record against its remote row. The decision is
// made inside the store updater so a concurrent local edit is either fully
// before or fully after it. stale reports a record that must be pushed even
// though it is not locally dirty.
func (e *Engine) pull(ctx context.Context, id string, remote RemoteRecord) (outcome string, stale bool, err error) {
	remoteFields := remote.Fields.Normalize()
	_, err = e.store.Update(ctx, id, func(r workup.Record) (workup.Record, error) {
		stale = false
		if r.SyncConflict != nil || r.RemoteID != remote.ID {
			return r, workup.ErrUnchanged
		}
		// The remote assigns a default status and cannot clear one, so an
		// unset local status follows the remote.
		adopted := false
		if r.Fields.Status == "" && remoteFields.Status != "" {
			r.Fields.Status = remoteFields.Status
			adopted = true
		}
		diff := workup.DiffFields(r.Fields, remoteFields)
		localChanged := r.LocallyChanged()
		remoteChanged := remote.LastEditedAt.After(r.RemoteLastEditedAt)
		now := e.now()

		if len(diff) == 0 {
			if !localChanged && !remoteChanged {
				if adopted {
					return r, nil
				}
				return r, workup.ErrUnchanged
			}
			if remoteChanged {
				r.RemoteLastEditedAt = remote.LastEditedAt
			}
			r.LastSyncedAt = now
			r.SyncError = ""
			outcome = metrics.OutcomeSynced
			return r, nil
		}

		switch {
		case localChanged && remoteChanged:
			preferred := workup.SideLocal
			if remote.LastEditedAt.After(r.LocalFieldsUpdatedAt) {
				preferred = workup.SideRemote
			}
			r.SyncConflict = &workup.Conflict{
				Fields:         diff,
				LocalValues:    workup.ValuesOf(r.Fields, diff),
				RemoteValues:   workup.ValuesOf(remoteFields, diff),
				LocalEditedAt:  r.LocalFieldsUpdatedAt,
				RemoteEditedAt: remote.LastEditedAt,
				Preferred:      preferred,
				DetectedAt:     now,
			}
			outcome = metrics.OutcomeConflict
			return r, nil
		case remoteChanged:
			r.Fields = remoteFields
			r.RemoteLastEditedAt = remote.LastEditedAt
			if remote.URL != "" {
				r.RemoteURL = remote.URL
			}
			r.LastSyncedAt = now
			r.SyncError = ""
			outcome = metrics.OutcomePulled
			return r, nil
		case localChanged:
			// Local-only change: the push phase handles it.
			if adopted {
				return r, nil
			}
			return r, workup.ErrUnchanged
		default:
			// Neither timestamp moved but the values differ, e.g. a remote
			// edit within the same minute as our last push.
			stale = true
			if adopted {
				return r, nil
			}
			return r, workup.ErrUnchanged
		}
	}, workup.UpdateOptions{FromRemote: true})
	return outcome, stale, err
}

// push sends the record's fields to the remote store. Edits that land while
// the request is in flight keep the record dirty for the next pass.
func (e *Engine) push(ctx context.Context, record workup.Record) (string, error) {
	snapshot := record.LocalFieldsUpdatedAt
	var (
		ref     RemoteRef
		err     error
		outcome = metrics.OutcomePushed
	)
	if record.RemoteID == "" {
		outcome = metrics.OutcomeCreated
		ref, err = e.client.CreateRecord(ctx, record.Fields)
	} else {
		ref, err = e.client.UpdateRecord(ctx, record.RemoteID, record.Fields)
	}
	if err != nil {
		msg := err.Error()
		e.logf("workupsync: push %s failed: %v", record.ID, err)
		_, uerr := e.store.Update(ctx, record.ID, func(r workup.Record) (workup.Record, error) {
			r.SyncError = msg
			return r, nil
		}, workup.UpdateOptions{FromRemote: true})
		if uerr != nil && !errors.Is(uerr, workup.ErrNotFound) {
			e.logf("workupsync: record error for %s failed: %v", record.ID, uerr)
		}
		return "", err
	}

	_, err = e.store.Update(ctx, record.ID, func(r workup.Record) (workup.Record, error) {
		if r.RemoteID == "" {
			r.RemoteID = ref.ID
		}
		if ref.URL != "" {
			r.RemoteURL = ref.URL
		}
		if !ref.LastEditedAt.IsZero() {
			r.RemoteLastEditedAt = ref.LastEditedAt
		}
		if r.LocalFieldsUpdatedAt.Equal(snapshot) {
			r.LastSyncedAt = e.now()
		} else {
			r.LastSyncedAt = snapshot
		}
		r.SyncError = ""
		return r, nil
	}, workup.UpdateOptions{FromRemote: true})
	if err != nil {
		if errors.Is(err, workup.ErrNotFound) {
			e.logf("workupsync: %s deleted locally during push; remote %s left in place", record.ID, ref.ID)
			return outcome, nil
		}
		return "", fmt.Errorf("record push result: %w", err)
	}
	return outcome, nil
}

// Resolve settles a pending conflict. Keeping local leaves the record dirty
// so the next pass overwrites the remote; taking remote adopts the remote
// values as synced.
func (e *Engine) Resolve(ctx context.Context, id string, choice Choice) (workup.Record, error) {
	if choice != ChoiceKeepLocal && choice != ChoiceTakeRemote {
		return workup.Record{}, ErrInvalidChoice
	}
	record, err := e.store.Update(ctx, id, func(r workup.Record) (workup.Record, error) {
		c := r.SyncConflict
		if c == nil {
			return r, ErrNoConflict
		}
		now := e.now()
		switch choice {
		case ChoiceKeepLocal:
			if c.RemoteEditedAt.After(r.RemoteLastEditedAt) {
				r.RemoteLastEditedAt = c.RemoteEditedAt
			}
			if !r.LocallyChanged() {
				r.LocalFieldsUpdatedAt = now
			}
		case ChoiceTakeRemote:
			r.Fields = workup.ApplyValues(r.Fields, c.RemoteValues)
			r.RemoteLastEditedAt = c.RemoteEditedAt
			r.LastSyncedAt = now
		}
		return r, nil
	}, workup.UpdateOptions{FromRemote: true, ClearConflict: true, ClearSyncError: true})
	if err != nil {
		return workup.Record{}, err
	}
	e.Trigger()
	return record, nil
}

// Retry clears a sticky sync error and asks for a pass.
func (e *Engine) Retry(ctx context.Context, id string) (workup.Record, error) {
	record, err := e.store.Update(ctx, id, func(r workup.Record) (workup.Record, error) {
		return r, nil
	}, workup.UpdateOptions{ClearSyncError: true})
	if err != nil {
		return workup.Record{}, err
	}
	e.Trigger()
	return record, nil
}

// ImportUnknown adopts remote rows that no local record tracks yet.
func (e *Engine) ImportUnknown(ctx context.Context) (int, error) {
	listing, err := e.client.FetchListing(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch listing: %w", err)
	}
	imported := 0
	for _, remote := range listing {
		_, created, err := e.store.ImportRemote(ctx, remote)
		if err != nil {
			return imported, err
		}
		if created {
			imported++
		}
	}
	return imported, nil
}

// Trigger requests a pass without waiting for it. Requests coalesce.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles immediately, then on a jittered interval and whenever a
// local edit is committed, until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.store.Subscribe(func(change kvstore.Change) {
		// Writes made by a pass itself do not schedule another one.
		if e.running.Load() {
			return
		}
		e.Trigger()
	})
	defer unsubscribe()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	next := func() time.Duration {
		return jitteredIntervalWithSample(e.opts.Interval, e.opts.IntervalJitter, rng.Float64())
	}

	e.runPass(ctx)
	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			e.runPass(ctx)
			timer.Reset(next())
		case <-e.trigger:
			e.runPass(ctx)
		}
	}
}

func (e *Engine) runPass(parent context.Context) {
	if e.opts.AutoSync != nil && !e.opts.AutoSync(parent) {
		return
	}
	ctx, cancel := context.WithTimeout(parent, e.opts.PassTimeout)
	defer cancel()
	report, err := e.Reconcile(ctx)
	if err != nil {
		if errors.Is(err, ErrPassInFlight) || parent.Err() != nil {
			return
		}
		e.logf("workupsync: pass failed: %v", err)
		return
	}
	if report.Pulled+report.Pushed+report.Created+report.Conflicts+report.Failed > 0 {
		e.logf("workupsync: pass pulled=%d pushed=%d created=%d conflicts=%d failed=%d",
			report.Pulled, report.Pushed, report.Created, report.Conflicts, report.Failed)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
