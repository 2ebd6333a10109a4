// Package simulated provides the test-mode variant of every gateway adapter.
// Sessions are synthesized locally and tracked in an in-memory book; webhook
// verification still runs through the real adapter so signed test payloads
// behave exactly like provider traffic. The book only holds sessions for as
// long as they can be reconciled.
package simulated

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	sessionPrefix = "sim_"
	bookTTL       = 48 * time.Hour
	pruneInterval = time.Minute
)

type session struct {
	paymentID string
	sessionID string
	gatewayID string
	status    domain.PaymentStatus
	checkout  domain.CheckoutSession
	createdAt time.Time
}

// Simulator owns the session book shared by all simulated adapters.
type Simulator struct {
	clock clock.Clock

	mu         sync.RWMutex
	sessions   map[string]*session
	byPayment  map[string]*session
	lastPruned time.Time
}

func NewSimulator(clk clock.Clock) *Simulator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Simulator{
		clock:     clk,
		sessions:  map[string]*session{},
		byPayment: map[string]*session{},
	}
}

func (s *Simulator) Simulate(real domain.GatewayAdapter, creds credentialdomain.Credentials) domain.GatewayAdapter {
	gateway := creds.GatewayID
	if real != nil {
		gateway = real.Gateway()
	}
	return &Adapter{real: real, sim: s, gateway: strings.ToLower(gateway)}
}

// Complete moves a simulated payment to status, as a sandbox payer would.
func (s *Simulator) Complete(paymentID string, status domain.PaymentStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byPayment[paymentID]
	if !ok {
		return false
	}
	entry.status = status
	return true
}

func (s *Simulator) lookup(query domain.StatusQuery) (session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.sessions[query.SessionID]; ok && query.SessionID != "" {
		return *entry, true
	}
	if entry, ok := s.byPayment[query.PaymentID]; ok && query.PaymentID != "" {
		return *entry, true
	}
	return session{}, false
}

func (s *Simulator) record(entry *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.createdAt.Sub(s.lastPruned) >= pruneInterval {
		s.prune(entry.createdAt)
	}
	s.sessions[entry.sessionID] = entry
	s.byPayment[entry.paymentID] = entry
}

// prune drops sessions older than bookTTL. Callers hold s.mu.
func (s *Simulator) prune(now time.Time) {
	for id, entry := range s.sessions {
		if now.Sub(entry.createdAt) < bookTTL {
			continue
		}
		delete(s.sessions, id)
		if current, ok := s.byPayment[entry.paymentID]; ok && current == entry {
			delete(s.byPayment, entry.paymentID)
		}
	}
	s.lastPruned = now
}

// size reports how many sessions the book holds.
func (s *Simulator) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Simulator) observe(event *domain.PaymentEvent) {
	var status domain.PaymentStatus
	switch event.Kind {
	case domain.EventSucceeded:
		status = domain.StatusSucceeded
	case domain.EventFailed:
		status = domain.StatusFailed
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[event.SessionID]; ok {
		entry.status = status
		return
	}
	if entry, ok := s.byPayment[event.PaymentID]; ok {
		entry.status = status
	}
}

type Adapter struct {
	real    domain.GatewayAdapter
	sim     *Simulator
	gateway string
}

func (a *Adapter) Gateway() string { return a.gateway }

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewGatewayError(a.gateway, "simulate_checkout", 0, err)
	}

	now := a.sim.clock.Now()
	sessionID := fmt.Sprintf("%s%s_%d", sessionPrefix, req.ItemID, now.UnixNano())
	meta := req.ProviderMetadata(a.gateway)
	meta[domain.MetaTestMode] = "true"

	checkout := domain.CheckoutSession{
		PaymentID:   req.PaymentID,
		CheckoutURL: fmt.Sprintf("https://%s.sandbox.local/checkout/%s", a.gateway, sessionID),
		SessionID:   sessionID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		GatewayID:   a.gateway,
	}
	a.sim.record(&session{
		paymentID: req.PaymentID,
		sessionID: sessionID,
		gatewayID: a.gateway,
		status:    domain.StatusPending,
		checkout:  checkout,
		createdAt: now,
	})

	out := checkout
	return &out, nil
}

func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	if a.real == nil {
		return nil, domain.NewVerificationError(a.gateway, "verifier_missing", nil)
	}
	event, err := a.real.VerifyWebhook(ctx, payload, headers)
	if err != nil {
		return nil, err
	}
	a.sim.observe(event)
	return event, nil
}

// RetrievePaymentStatus answers from the book. A simulated session the book
// does not hold was opened by another process or before a restart, so it is
// reported from the stored checkout as still pending.
func (a *Adapter) RetrievePaymentStatus(ctx context.Context, query domain.StatusQuery) (*domain.StatusResult, error) {
	entry, ok := a.sim.lookup(query)
	if !ok && strings.HasPrefix(query.SessionID, sessionPrefix) {
		return &domain.StatusResult{
			PaymentID: query.PaymentID,
			SessionID: query.SessionID,
			Status:    domain.StatusPending,
			Amount:    query.Amount,
			Currency:  query.Currency,
		}, nil
	}
	if !ok || entry.gatewayID != a.gateway {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.StatusResult{
		PaymentID: entry.paymentID,
		SessionID: entry.sessionID,
		Status:    entry.status,
		Amount:    entry.checkout.Amount,
		Currency:  entry.checkout.Currency,
	}, nil
}
