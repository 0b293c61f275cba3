package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// The demo walkthrough plays the same conceptual sub-checks as the real
// provider on a fixed script, each step flipping from processing to approved
// at an offset from session creation.
var demoScript = []struct {
	Check string
	At    time.Duration
}{
	{Check: "document", At: 3 * time.Second},
	{Check: "liveness", At: 7 * time.Second},
	{Check: "face_match", At: 11 * time.Second},
}

// DemoStepView is one sub-check's scripted state.
type DemoStepView struct {
	Check  string `json:"check"`
	Status string `json:"status"`
}

// DemoProgressView is the scripted state of a demo session at a point in time.
type DemoProgressView struct {
	SessionID string         `json:"sessionId"`
	Steps     []DemoStepView `json:"steps"`
	Complete  bool           `json:"complete"`
}

// DemoFlow produces the self-contained simulated verification used when no
// real provider session exists. Its terminal status goes through the
// reconciler's upsert path, the same one the real signals use.
type DemoFlow struct {
	store      *SessionStore
	reconciler *Reconciler
	clock      clockwork.Clock
}

func NewDemoFlow(store *SessionStore, reconciler *Reconciler, clock clockwork.Clock) *DemoFlow {
	return &DemoFlow{store: store, reconciler: reconciler, clock: clock}
}

// Progress reports the scripted sub-check progression for a demo session,
// derived from elapsed time since creation.
func (d *DemoFlow) Progress(ctx context.Context, internalID string) (*DemoProgressView, error) {
	session, err := d.store.FindByInternalID(internalID)
	if err != nil {
		return nil, err
	}
	if !session.IsDemo {
		return nil, fmt.Errorf("session %s is not a demo session", internalID)
	}

	elapsed := d.clock.Now().Sub(session.CreatedAt)
	view := &DemoProgressView{SessionID: internalID, Complete: true}
	for _, step := range demoScript {
		status := CheckInProgress
		if elapsed >= step.At {
			status = CheckApproved
		} else {
			view.Complete = false
		}
		view.Steps = append(view.Steps, DemoStepView{Check: step.Check, Status: status})
	}
	if session.IsTerminal() {
		view.Complete = true
	}
	return view, nil
}

// Complete resolves a demo session owned by ownerID with a synthetic success
// and returns the typed completion event for delivery to the opener. The
// owner check keeps one principal from completing another's walkthrough.
func (d *DemoFlow) Complete(ctx context.Context, internalID, ownerID string) (*StatusEvent, error) {
	session, err := d.store.FindByInternalID(internalID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, fmt.Errorf("session %s does not belong to caller", internalID)
	}
	return d.reconciler.ApplyDemoCompletion(ctx, internalID, true)
}
