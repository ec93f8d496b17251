package fulfillment_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"gozon/fulfillment/internal/provider"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Microsecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu      sync.Mutex
	reports map[string]provider.PaymentReport
	created int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{reports: make(map[string]provider.PaymentReport)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreatePayment(_ context.Context, req provider.CreatePaymentRequest) (provider.CreatePaymentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	ref := "ref-" + req.PaymentID
	return provider.CreatePaymentResponse{Reference: ref, RedirectURL: "https://pay.example/" + ref}, nil
}

func (p *fakeProvider) QueryPayment(_ context.Context, reference string) (provider.PaymentReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.reports[reference]; ok {
		return r, nil
	}
	return provider.PaymentReport{Reference: reference, Outcome: provider.OutcomePending}, nil
}

func (p *fakeProvider) VerifyCallback([]byte, string) error { return nil }

func (p *fakeProvider) report(reference string, outcome provider.Outcome, amount int64) {
	raw, _ := json.Marshal(map[string]any{
		"reference":    reference,
		"status":       string(outcome),
		"amount_minor": amount,
	})
	p.mu.Lock()
	p.reports[reference] = provider.PaymentReport{Reference: reference, Outcome: outcome, Raw: raw}
	p.mu.Unlock()
}

// fakeLogistics returns the scripted upload errors in order, then succeeds.
type fakeLogistics struct {
	mu         sync.Mutex
	uploadErrs []error
	uploads    int
	cancelErr  error
	cancelled  []string

	// When gate is set every upload reports on arrived, then waits for gate.
	gate    chan struct{}
	arrived chan struct{}
}

func (l *fakeLogistics) UploadShipment(_ context.Context, upload provider.ShipmentUpload) (provider.UploadResult, error) {
	if l.gate != nil {
		l.arrived <- struct{}{}
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uploads++
	if len(l.uploadErrs) > 0 {
		err := l.uploadErrs[0]
		l.uploadErrs = l.uploadErrs[1:]
		return provider.UploadResult{Response: "rejected"}, err
	}
	return provider.UploadResult{ExternalID: "lp-" + upload.OrderID[:8], Response: "accepted"}, nil
}

func (l *fakeLogistics) CancelOrder(_ context.Context, externalID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled = append(l.cancelled, externalID)
	return l.cancelErr
}

type sentNotification struct {
	UserID   uuid.UUID
	Template string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Dispatch(_ context.Context, userID uuid.UUID, template string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Template: template})
	return nil
}

func (n *recordingNotifier) count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Template == template {
			c++
		}
	}
	return c
}
