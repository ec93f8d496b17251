package payment

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gozon/fulfillment/internal/apperr"
)

// Client identifies who is starting a payment.
type Client struct {
	UserID   string
	IP       string
	DeviceID string
}

func (c Client) key() string {
	if c.UserID == "" && c.IP == "" && c.DeviceID == "" {
		return ""
	}
	return strings.Join([]string{c.UserID, c.IP, c.DeviceID}, "|")
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard rejects payments above the configured ceiling and repeated attempts
// from the same client inside the frequency window.
type Guard struct {
	maxAmount int64
	window    time.Duration
	now       func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func NewGuard(maxAmount int64, window time.Duration, clock func() time.Time) *Guard {
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		maxAmount: maxAmount,
		window:    window,
		now:       clock,
		clients:   make(map[string]*clientLimiter),
	}
}

func (g *Guard) Check(amount int64, c Client) error {
	if amount <= 0 {
		return apperr.Validation("amount", "must be positive")
	}
	if g.maxAmount > 0 && amount > g.maxAmount {
		return apperr.Validation("amount", "%d exceeds the maximum of %d per payment", amount, g.maxAmount)
	}
	if g.window <= 0 {
		return nil
	}

	key := c.key()
	if key == "" {
		return nil
	}

	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictIdle(now)

	cl, ok := g.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Every(g.window), 1)}
		g.clients[key] = cl
	}
	cl.lastSeen = now

	if !cl.limiter.AllowN(now, 1) {
		return apperr.Validation("client", "payment attempted too frequently, retry in %s", g.window)
	}
	return nil
}

func (g *Guard) evictIdle(now time.Time) {
	if now.Sub(g.lastSweep) < g.window {
		return
	}
	g.lastSweep = now
	for key, cl := range g.clients {
		if now.Sub(cl.lastSeen) >= g.window {
			delete(g.clients, key)
		}
	}
}
