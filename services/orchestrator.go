package services

import (
	"context"
	"errors"
	"time"

	"iwealthx-onboarding-server/models"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrPopupBlocked means the environment refused to open the verification
// window. Terminal and non-retryable: the user must allow popups.
var ErrPopupBlocked = errors.New("verification window blocked")

// Reason codes handed to the completion callback. The UI renders distinct
// guidance per reason, so closing the window early must never look like a
// server-side rejection.
const (
	ReasonVerificationCompleted = "verification_completed"
	ReasonVerificationRejected  = "verification_rejected"
	ReasonVerificationFailed    = "verification_failed"
	ReasonPopupClosedEarly      = "popup_closed_without_completion"
	ReasonStatusCheckError      = "status_check_error"
	ReasonTimeout               = "timeout"
)

// Window is an open verification window. Closing it is the only cancellation
// signal the principal has; the provider is a black box beyond it.
type Window interface {
	Closed() bool
	Close()
}

// WindowOpener opens a top-level browsing context at the verification URL.
// Returns ErrPopupBlocked when the environment refuses.
type WindowOpener interface {
	Open(url string) (Window, error)
}

// SessionStarter creates verification sessions (the session creator).
type SessionStarter interface {
	CreateSession(ctx context.Context, ownerID string, info UserInfo) (*CreatedSession, error)
}

// StatusQuerier resolves a session's authoritative status (the reconciler).
type StatusQuerier interface {
	ReconcilePoll(ctx context.Context, internalID string) (string, error)
}

// AttemptResult is the orchestrator's verdict on one attempt.
type AttemptResult struct {
	Success   bool   `json:"success"`
	Verified  bool   `json:"verified"`
	Reason    string `json:"reason"`
	SessionID string `json:"sessionId"`
	IsDemo    bool   `json:"isDemo"`
}

// OrchestratorConfig bounds the human-in-the-loop wait. The grace period
// gives the principal time to work through the external flow before we start
// watching for the window to close; the cap keeps an abandoned attempt from
// waiting forever.
type OrchestratorConfig struct {
	Grace        time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Grace:        30 * time.Second,
		PollInterval: 5 * time.Second,
		MaxAttempts:  54, // ~4.5 minutes after the grace period
	}
}

// Orchestrator drives one verification attempt: create a session, open the
// window, wait for either a pushed terminal status or the window closing,
// then resolve through the reconciler. It never blocks the caller; the
// completion callback fires exactly once from a background goroutine.
type Orchestrator struct {
	sessions SessionStarter
	status   StatusQuerier
	broker   *StatusBroker
	opener   WindowOpener
	clock    clockwork.Clock
	cfg      OrchestratorConfig
	log      *zap.Logger
}

func NewOrchestrator(sessions SessionStarter, status StatusQuerier, broker *StatusBroker, opener WindowOpener, clock clockwork.Clock, cfg OrchestratorConfig, log *zap.Logger) *Orchestrator {
	return &Orchestrator{sessions: sessions, status: status, broker: broker, opener: opener, clock: clock, cfg: cfg, log: log}
}

// StartVerification begins an attempt for the owner. Session creation
// failures and a blocked window are returned synchronously; every other
// outcome arrives through onComplete.
func (o *Orchestrator) StartVerification(ctx context.Context, ownerID string, info UserInfo, onComplete func(AttemptResult)) error {
	session, err := o.sessions.CreateSession(ctx, ownerID, info)
	if err != nil {
		return err
	}

	win, err := o.opener.Open(session.VerificationURL)
	if err != nil {
		return err
	}

	go o.await(ctx, session, win, onComplete)
	return nil
}

func (o *Orchestrator) await(ctx context.Context, session *CreatedSession, win Window, onComplete func(AttemptResult)) {
	events, unsubscribe := o.broker.Subscribe(session.InternalID)
	defer unsubscribe()

	poll := NewScheduledPoll(o.clock, PollConfig{
		Grace:       o.cfg.Grace,
		Interval:    o.cfg.PollInterval,
		MaxAttempts: o.cfg.MaxAttempts,
	})
	pollDone := make(chan PollOutcome, 1)
	go func() {
		pollDone <- poll.Run(ctx, win.Closed)
	}()

	for {
		select {
		case event := <-events:
			if event.Type != EventVerificationComplete || !isTerminal(event.Status) {
				continue
			}
			// Webhook beat the window close; no need to keep watching.
			poll.Cancel()
			win.Close()
			onComplete(o.resultFor(event.Status, session))
			return

		case outcome := <-pollDone:
			switch outcome {
			case PollExhausted:
				o.log.Info("verification attempt timed out",
					zap.String("internalId", session.InternalID))
				onComplete(AttemptResult{
					Reason:    ReasonTimeout,
					SessionID: session.InternalID,
					IsDemo:    session.IsDemo,
				})
			case PollCancelled:
				onComplete(AttemptResult{
					Reason:    ReasonStatusCheckError,
					SessionID: session.InternalID,
					IsDemo:    session.IsDemo,
				})
			default: // window closed
				onComplete(o.resolveAfterClose(ctx, session))
			}
			return

		case <-ctx.Done():
			poll.Cancel()
			onComplete(AttemptResult{
				Reason:    ReasonStatusCheckError,
				SessionID: session.InternalID,
				IsDemo:    session.IsDemo,
			})
			return
		}
	}
}

// resolveAfterClose asks the reconciler what really happened once the window
// is gone. A still-pending session means the principal closed the window
// without finishing: not a rejection, and the guidance differs.
func (o *Orchestrator) resolveAfterClose(ctx context.Context, session *CreatedSession) AttemptResult {
	status, err := o.status.ReconcilePoll(ctx, session.InternalID)
	if err != nil {
		o.log.Warn("status check after window close failed",
			zap.String("internalId", session.InternalID),
			zap.Error(err))
		return AttemptResult{
			Reason:    ReasonStatusCheckError,
			SessionID: session.InternalID,
			IsDemo:    session.IsDemo,
		}
	}

	switch status {
	case models.SessionStatusVerified, models.SessionStatusRejected, models.SessionStatusFailed:
		return o.resultFor(status, session)
	default:
		return AttemptResult{
			Reason:    ReasonPopupClosedEarly,
			SessionID: session.InternalID,
			IsDemo:    session.IsDemo,
		}
	}
}

func (o *Orchestrator) resultFor(status string, session *CreatedSession) AttemptResult {
	result := AttemptResult{SessionID: session.InternalID, IsDemo: session.IsDemo}
	switch status {
	case models.SessionStatusVerified:
		result.Success = true
		result.Verified = true
		result.Reason = ReasonVerificationCompleted
	case models.SessionStatusRejected:
		result.Reason = ReasonVerificationRejected
	default:
		result.Reason = ReasonVerificationFailed
	}
	return result
}

func isTerminal(status string) bool {
	return status != "" && status != models.SessionStatusPending
}
