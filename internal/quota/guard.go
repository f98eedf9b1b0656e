package quota

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// HashSecret returns the hex SHA-256 of a credential secret, the form stored
// in the tenant record.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// slidingWindow tracks request timestamps within the last minute for one
// tenant.
type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Guard authenticates tenants and enforces their per-minute and per-month
// quotas. Minute windows live in memory only; monthly counters go through
// the tenant store so they survive restarts.
type Guard struct {
	store  TenantStore
	tokens *TokenIssuer
	logger *logrus.Logger

	mu      sync.Mutex
	windows map[string]*slidingWindow

	now func() time.Time
}

// NewGuard creates a quota guard over the given store.
func NewGuard(store TenantStore, tokens *TokenIssuer, logger *logrus.Logger) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	return &Guard{
		store:   store,
		tokens:  tokens,
		logger:  logger,
		windows: make(map[string]*slidingWindow),
		now:     time.Now,
	}
}

// Authenticate resolves a credential to its tenant application. Secrets are
// compared in constant time against the stored hash; session tokens must
// carry the tenant's current credential epoch. Disabled tenants always fail
// authentication.
func (g *Guard) Authenticate(ctx context.Context, cred types.TenantCredential) (*types.TenantApplication, error) {
	var app *types.TenantApplication

	switch {
	case cred.Token != "":
		if g.tokens == nil {
			return nil, types.NewAuthenticationError("session tokens are not enabled")
		}
		tenantID, epoch, err := g.tokens.Validate(cred.Token)
		if err != nil {
			return nil, types.NewAuthenticationError("invalid or expired session token")
		}
		app, err = g.store.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, types.NewAuthenticationError("unknown tenant")
		}
		if epoch != app.TokenEpoch {
			return nil, types.NewAuthenticationError("session token predates credential rotation")
		}

	case cred.AppID != "" && cred.Secret != "":
		var err error
		app, err = g.store.GetTenant(ctx, cred.AppID)
		if err != nil {
			// Burn a comparison anyway so unknown ids cost the same as bad
			// secrets.
			subtle.ConstantTimeCompare([]byte(HashSecret(cred.Secret)), []byte(HashSecret("")))
			return nil, types.NewAuthenticationError("invalid application credentials")
		}
		if subtle.ConstantTimeCompare([]byte(HashSecret(cred.Secret)), []byte(app.SecretHash)) != 1 {
			return nil, types.NewAuthenticationError("invalid application credentials")
		}

	default:
		return nil, types.NewAuthenticationError("missing credentials")
	}

	if app.Status == types.TenantDisabled {
		return nil, types.NewAuthenticationError("application is disabled")
	}

	if err := g.store.TouchLastUsed(ctx, app.ID, g.now()); err != nil {
		g.logger.WithError(err).WithField("tenant_id", app.ID).Debug("Failed to update last-used timestamp")
	}
	return app, nil
}

// CheckAndConsume enforces the tenant's quotas and, when allowed, counts the
// request against both the minute window and the monthly usage record. A
// tenant whose monthly quota is exhausted is moved to QUOTA_EXCEEDED and
// stays blocked until the billing period rolls over.
func (g *Guard) CheckAndConsume(ctx context.Context, app *types.TenantApplication) (types.QuotaResult, error) {
	now := g.now()
	period := types.BillingPeriod(now)

	if app.Status == types.TenantQuotaExceeded {
		// Period rollover clears the block.
		rec, err := g.store.GetUsage(ctx, app.ID, period)
		if err != nil {
			return types.QuotaResult{}, fmt.Errorf("reading usage for %s: %w", app.ID, err)
		}
		if app.Tier.RequestsPerMonth >= 0 && rec.RequestCount >= app.Tier.RequestsPerMonth {
			return types.QuotaResult{ResetTime: nextPeriodStart(now)},
				types.NewQuotaExceededError("monthly request quota exhausted")
		}
		if err := g.store.SetStatus(ctx, app.ID, types.TenantActive); err != nil {
			return types.QuotaResult{}, err
		}
		app.Status = types.TenantActive
	}

	// Per-minute sliding window.
	win := g.window(app.ID)
	win.mu.Lock()
	cutoff := now.Add(-time.Minute)
	kept := win.stamps[:0]
	for _, ts := range win.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	win.stamps = kept

	if len(win.stamps) >= app.Tier.RequestsPerMinute {
		reset := win.stamps[0].Add(time.Minute)
		win.mu.Unlock()
		return types.QuotaResult{ResetTime: reset},
			types.NewRateLimitError("per-minute request limit reached", reset)
	}
	win.stamps = append(win.stamps, now)
	minuteRemaining := app.Tier.RequestsPerMinute - len(win.stamps)
	win.mu.Unlock()

	// Monthly counter.
	rec, err := g.store.IncrementUsage(ctx, app.ID, period, types.UsageDelta{Requests: 1})
	if err != nil {
		return types.QuotaResult{}, fmt.Errorf("incrementing usage for %s: %w", app.ID, err)
	}
	if app.Tier.RequestsPerMonth >= 0 && rec.RequestCount > app.Tier.RequestsPerMonth {
		// The request never went through, so give its minute-window slot back.
		win.mu.Lock()
		if n := len(win.stamps); n > 0 {
			win.stamps = win.stamps[:n-1]
		}
		win.mu.Unlock()
		if err := g.store.SetStatus(ctx, app.ID, types.TenantQuotaExceeded); err != nil {
			g.logger.WithError(err).WithField("tenant_id", app.ID).Error("Failed to mark tenant quota-exceeded")
		}
		g.logger.WithFields(logrus.Fields{
			"tenant_id": app.ID,
			"tier":      app.Tier.Name,
			"period":    period,
		}).Warn("Tenant exceeded monthly quota")
		return types.QuotaResult{ResetTime: nextPeriodStart(now)},
			types.NewQuotaExceededError("monthly request quota exhausted")
	}

	remaining := minuteRemaining
	if app.Tier.RequestsPerMonth >= 0 {
		if monthRemaining := int(app.Tier.RequestsPerMonth - rec.RequestCount); monthRemaining < remaining {
			remaining = monthRemaining
		}
	}
	return types.QuotaResult{Allowed: true, Remaining: remaining, ResetTime: now.Add(time.Minute)}, nil
}

// Provision creates a new tenant application in the given tier and returns
// it with the plaintext secret. The secret is shown exactly once; only its
// hash is stored.
func (g *Guard) Provision(ctx context.Context, name, tierName string) (*types.TenantApplication, string, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	app := &types.TenantApplication{
		ID:         uuid.NewString(),
		Name:       name,
		Tier:       types.TierByName(tierName),
		SecretHash: HashSecret(secret),
		Status:     types.TenantActive,
		CreatedAt:  g.now(),
	}
	if err := g.store.CreateTenant(ctx, app); err != nil {
		return nil, "", err
	}
	g.logger.WithFields(logrus.Fields{
		"tenant_id": app.ID,
		"tier":      app.Tier.Name,
	}).Info("Tenant provisioned")
	return app, secret, nil
}

// RotateCredential replaces the tenant's secret and bumps its token epoch so
// outstanding session tokens stop validating. Returns the new plaintext
// secret.
func (g *Guard) RotateCredential(ctx context.Context, tenantID string) (string, error) {
	app, err := g.store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	if err := g.store.UpdateSecret(ctx, tenantID, HashSecret(secret), app.TokenEpoch+1); err != nil {
		return "", err
	}
	g.logger.WithField("tenant_id", tenantID).Info("Tenant credential rotated")
	return secret, nil
}

// IssueToken authenticates the credential and mints a session token for it.
func (g *Guard) IssueToken(ctx context.Context, cred types.TenantCredential) (string, error) {
	app, err := g.Authenticate(ctx, cred)
	if err != nil {
		return "", err
	}
	if g.tokens == nil {
		return "", types.NewValidationError("session tokens are not enabled")
	}
	return g.tokens.Issue(app)
}

// Store exposes the underlying tenant store for usage recording.
func (g *Guard) Store() TenantStore { return g.store }

func (g *Guard) window(tenantID string) *slidingWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	win, ok := g.windows[tenantID]
	if !ok {
		win = &slidingWindow{}
		g.windows[tenantID] = win
	}
	return win
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return "sk-" + hex.EncodeToString(buf), nil
}

func nextPeriodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
