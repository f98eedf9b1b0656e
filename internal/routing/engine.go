package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// scoreEpsilon is the margin within which two candidate scores are treated
// as a tie and broken by observed success rate.
const scoreEpsilon = 0.02

// relaxationPenalty is the confidence cost of each constraint that had to be
// dropped to produce a non-empty candidate set.
const relaxationPenalty = 0.1

// objective holds the scoring weights for one optimization target.
type objective struct {
	cost    float64
	speed   float64
	quality float64
}

var objectives = map[types.OptimizationType]objective{
	types.OptimizeCost:     {cost: 0.70, speed: 0.15, quality: 0.15},
	types.OptimizeSpeed:    {cost: 0.15, speed: 0.70, quality: 0.15},
	types.OptimizeQuality:  {cost: 0.15, speed: 0.15, quality: 0.70},
	types.OptimizeBalanced: {cost: 0.34, speed: 0.33, quality: 0.33},
}

// Availability reports whether a provider is currently accepting calls.
// The health registry satisfies this.
type Availability interface {
	Available(provider string) bool
}

// allowAll is used when no availability source is wired, e.g. in decision
// only evaluation against a static catalog.
type allowAll struct{}

func (allowAll) Available(string) bool { return true }

// Engine selects a (provider, model) pair for each request by scoring the
// known candidates against the request's optimization target and
// constraints.
type Engine struct {
	catalog    map[string][]types.ModelInfo
	aggregates *AggregateStore
	health     Availability
	logger     *logrus.Logger
}

// NewEngine builds an engine over the given provider catalog. Aggregates
// are seeded from the catalog's baseline figures.
func NewEngine(catalog map[string][]types.ModelInfo, aggregates *AggregateStore, health Availability, logger *logrus.Logger) *Engine {
	if health == nil {
		health = allowAll{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	for provider, models := range catalog {
		for _, m := range models {
			baseline := types.RoutingRequest{Messages: []types.Message{{Role: "user", Content: strings.Repeat("x", 2048)}}}
			aggregates.Seed(provider, m.Name, m.EstimateCost(&baseline), m.BaselineLatency, m.QualityScore)
		}
	}
	return &Engine{
		catalog:    catalog,
		aggregates: aggregates,
		health:     health,
		logger:     logger,
	}
}

// Aggregates exposes the engine's aggregate store for outcome feedback.
func (e *Engine) Aggregates() *AggregateStore { return e.aggregates }

// candidate is one scored (provider, model) pair.
type candidate struct {
	provider string
	model    types.ModelInfo
	cost     float64
	latency  time.Duration
	quality  float64
	success  float64
	samples  int
	score    float64
}

// Decide evaluates the request and returns a routing decision, or a
// no-candidate error when the constraint set cannot be satisfied even after
// relaxation.
func (e *Engine) Decide(req *types.RoutingRequest) (*RoutingDecision, error) {
	opt := req.OptimizeFor
	if !opt.Valid() {
		opt = types.OptimizeBalanced
	}

	pool := e.buildPool(req)
	if len(pool) == 0 {
		return nil, types.NewNoCandidateError("no provider is currently available for this request")
	}

	eligible, relaxed := e.filterWithRelaxation(pool, req.Constraints)
	if len(eligible) == 0 {
		return nil, types.NewNoCandidateError("no candidate satisfies the request constraints")
	}

	e.score(eligible, opt)
	sort.SliceStable(eligible, func(i, j int) bool {
		di := eligible[i].score - eligible[j].score
		if di > scoreEpsilon {
			return true
		}
		if di < -scoreEpsilon {
			return false
		}
		if eligible[i].success != eligible[j].success {
			return eligible[i].success > eligible[j].success
		}
		return eligible[i].samples > eligible[j].samples
	})

	best := eligible[0]
	decision := &RoutingDecision{
		RequestID:        req.ID,
		Provider:         best.provider,
		Model:            best.model.Name,
		EstimatedCost:    best.cost,
		EstimatedLatency: best.latency,
		EstimatedQuality: best.quality,
		Confidence:       e.confidence(eligible, relaxed),
		Reasoning:        e.reasoning(best, opt, relaxed),
		Alternatives:     alternatives(eligible, opt),
		OptimizeFor:      opt,
		Relaxed:          relaxed,
		Timestamp:        time.Now().UTC(),
	}

	e.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"provider":   decision.Provider,
		"model":      decision.Model,
		"confidence": decision.Confidence,
		"relaxed":    decision.Relaxed,
	}).Debug("Routing decision made")

	return decision, nil
}

// buildPool assembles every candidate that is not excluded outright:
// unavailable providers, excluded providers, and models whose context window
// cannot hold the prompt are filtered here and never come back via
// relaxation.
func (e *Engine) buildPool(req *types.RoutingRequest) []candidate {
	promptTokens := len(req.PromptText()) / 4

	var preferred map[string]bool
	if len(req.Constraints.PreferredProviders) > 0 {
		preferred = make(map[string]bool, len(req.Constraints.PreferredProviders))
		for _, p := range req.Constraints.PreferredProviders {
			preferred[p] = true
		}
	}
	excluded := make(map[string]bool, len(req.Constraints.ExcludeProviders))
	for _, p := range req.Constraints.ExcludeProviders {
		excluded[p] = true
	}

	var pool []candidate
	for provider, models := range e.catalog {
		if excluded[provider] {
			continue
		}
		if preferred != nil && !preferred[provider] {
			continue
		}
		if !e.health.Available(provider) {
			continue
		}
		for _, m := range models {
			if m.MaxContextWindow > 0 && promptTokens > m.MaxContextWindow {
				continue
			}
			c := candidate{
				provider: provider,
				model:    m,
				cost:     m.EstimateCost(req),
				latency:  m.BaselineLatency,
				quality:  m.QualityScore,
				success:  1.0,
			}
			if est, ok := e.aggregates.Estimate(provider, m.Name); ok {
				if est.Latency > 0 {
					c.latency = est.Latency
				}
				if est.Quality > 0 {
					c.quality = est.Quality
				}
				c.success = est.SuccessRate
				c.samples = est.Samples
			}
			pool = append(pool, c)
		}
	}
	return pool
}

// filterWithRelaxation applies the soft constraints, dropping them one at a
// time in a fixed order until at least one candidate survives. The returned
// slice names the constraints that had to be relaxed.
func (e *Engine) filterWithRelaxation(pool []candidate, cons types.Constraints) ([]candidate, []string) {
	type constraint struct {
		name  string
		keeps func(candidate) bool
	}

	active := []constraint{}
	if cons.MaxResponseTime != nil {
		limit := *cons.MaxResponseTime
		active = append(active, constraint{"max_response_time", func(c candidate) bool { return c.latency <= limit }})
	}
	if cons.MinQuality != nil {
		floor := *cons.MinQuality
		active = append(active, constraint{"min_quality", func(c candidate) bool { return c.quality >= floor }})
	}
	if cons.MaxCost != nil {
		ceil := *cons.MaxCost
		active = append(active, constraint{"max_cost", func(c candidate) bool { return c.cost <= ceil }})
	}

	apply := func(set []constraint) []candidate {
		var out []candidate
		for _, c := range pool {
			ok := true
			for _, con := range set {
				if !con.keeps(c) {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, c)
			}
		}
		return out
	}

	var relaxed []string
	for {
		if survivors := apply(active); len(survivors) > 0 {
			return survivors, relaxed
		}
		if len(active) == 0 {
			return nil, relaxed
		}
		// relaxation order: response time first, quality next, cost last
		relaxed = append(relaxed, active[0].name)
		active = active[1:]
	}
}

// score normalizes each dimension across the eligible set and combines them
// under the objective's weights. Higher is better.
func (e *Engine) score(eligible []candidate, opt types.OptimizationType) {
	obj := objectives[opt]

	maxCost, maxLatency, maxQuality := 0.0, 0.0, 0.0
	for _, c := range eligible {
		if c.cost > maxCost {
			maxCost = c.cost
		}
		if float64(c.latency) > maxLatency {
			maxLatency = float64(c.latency)
		}
		if c.quality > maxQuality {
			maxQuality = c.quality
		}
	}

	for i := range eligible {
		c := &eligible[i]
		costScore, speedScore, qualityScore := 1.0, 1.0, 1.0
		if maxCost > 0 {
			costScore = 1.0 - c.cost/maxCost
		}
		if maxLatency > 0 {
			speedScore = 1.0 - float64(c.latency)/maxLatency
		}
		if maxQuality > 0 {
			qualityScore = c.quality / maxQuality
		}
		c.score = obj.cost*costScore + obj.speed*speedScore + obj.quality*qualityScore
		// unreliable candidates pay for it regardless of objective
		c.score *= c.success
	}
}

// confidence reflects how much history backs the winner and how clear its
// margin over the runner-up is, discounted for every constraint that had to
// be relaxed to reach a non-empty candidate set.
func (e *Engine) confidence(ranked []candidate, relaxed []string) float64 {
	best := ranked[0]

	depth := float64(best.samples) / 50.0
	if depth > 1.0 {
		depth = 1.0
	}

	margin := 1.0
	if len(ranked) > 1 {
		margin = best.score - ranked[1].score
		if margin > 1.0 {
			margin = 1.0
		}
		if margin < 0 {
			margin = 0
		}
	}

	conf := 0.5 + 0.25*depth + 0.25*margin - relaxationPenalty*float64(len(relaxed))
	if conf > 1.0 {
		conf = 1.0
	}
	if conf < 0.1 {
		conf = 0.1
	}
	return conf
}

// reasoning produces the operator-facing explanation for a decision.
func (e *Engine) reasoning(best candidate, opt types.OptimizationType, relaxed []string) string {
	var b strings.Builder
	switch opt {
	case types.OptimizeCost:
		fmt.Fprintf(&b, "Selected %s/%s as the lowest-cost candidate at $%.5f per request", best.provider, best.model.Name, best.cost)
	case types.OptimizeSpeed:
		fmt.Fprintf(&b, "Selected %s/%s for fastest expected response (%s)", best.provider, best.model.Name, best.latency.Round(time.Millisecond))
	case types.OptimizeQuality:
		fmt.Fprintf(&b, "Selected %s/%s for highest expected quality (%.2f)", best.provider, best.model.Name, best.quality)
	default:
		fmt.Fprintf(&b, "Selected %s/%s as the best overall tradeoff of cost, speed and quality", best.provider, best.model.Name)
	}
	if best.samples > 0 {
		fmt.Fprintf(&b, " based on %d recent observations", best.samples)
	}
	if len(relaxed) > 0 {
		fmt.Fprintf(&b, "; relaxed constraints: %s", strings.Join(relaxed, ", "))
	}
	return b.String()
}

// alternatives returns up to three runners-up from the ranked set, each with
// its own estimates and a short rationale for its rank.
func alternatives(ranked []candidate, opt types.OptimizationType) []Alternative {
	var out []Alternative
	for i, c := range ranked[1:] {
		out = append(out, Alternative{
			Provider:         c.provider,
			Model:            c.model.Name,
			EstimatedCost:    c.cost,
			EstimatedLatency: c.latency,
			EstimatedQuality: c.quality,
			Reason:           fmt.Sprintf("ranked %d for %s optimization", i+2, opt),
		})
		if len(out) == 3 {
			break
		}
	}
	return out
}
