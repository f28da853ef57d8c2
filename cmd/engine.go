package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/browse"
	"github.com/lanterna-data/enrich-cli/internal/classify"
	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/govern"
	"github.com/lanterna-data/enrich-cli/internal/orchestrate"
	"github.com/lanterna-data/enrich-cli/internal/strategy"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/inipec"
	"github.com/lanterna-data/enrich-cli/pkg/oracle"
	"github.com/lanterna-data/enrich-cli/pkg/registry"
	"github.com/lanterna-data/enrich-cli/pkg/search"
	"github.com/lanterna-data/enrich-cli/pkg/vies"
)

// Candidate cache bounds. Resolved values stay reusable across jobs of a
// batch without refetching; the TTL keeps a long-lived worker from
// serving stale answers.
const (
	candidateCacheSize = 4096
	candidateCacheTTL  = 6 * time.Hour
)

// engine bundles the orchestrator with the pacing surfaces the work
// command reports on at shutdown.
type engine struct {
	Orchestrator *orchestrate.Orchestrator
	Governor     *govern.Governor
	Classifier   *classify.Classifier
}

// buildEngine wires clients, governor, classifier, strategies, and the
// waterfall executor into an orchestrator. sink may be nil: one-shot runs
// print their result instead of persisting it. Clients without a key stay
// nil, which disables the strategies that need them and shortens the
// affected waterfalls.
func buildEngine(sink orchestrate.ResultSink) (*engine, error) {
	gov := govern.New(cfg.Govern)
	cls := classify.New(cfg.Classify)

	var browserOpts []browse.Option
	if cfg.Browse.TimeoutSecs > 0 {
		browserOpts = append(browserOpts, browse.WithTimeout(time.Duration(cfg.Browse.TimeoutSecs)*time.Second))
	}
	if cfg.Browse.UserAgent != "" {
		browserOpts = append(browserOpts, browse.WithUserAgent(cfg.Browse.UserAgent))
	}

	deps := &strategy.Deps{
		Browser:    browse.New(browserOpts...),
		Governor:   gov,
		Classifier: cls,
	}

	var searchOpts []search.Option
	if cfg.Search.BaseURL != "" {
		searchOpts = append(searchOpts, search.WithBaseURL(cfg.Search.BaseURL))
	}
	if cfg.Search.Key != "" {
		deps.Search = search.NewAPIClient(cfg.Search.Key, searchOpts...)
	} else {
		zap.L().Info("search: no api key set, falling back to the html engine")
		deps.Search = search.NewEngineClient(searchOpts...)
	}

	if cfg.Registry.Key != "" {
		var opts []registry.Option
		if cfg.Registry.BaseURL != "" {
			opts = append(opts, registry.WithBaseURL(cfg.Registry.BaseURL))
		}
		deps.Registry = registry.NewClient(cfg.Registry.Key, opts...)
	} else {
		zap.L().Info("registry: no api key set, registry strategies disabled")
	}

	// VIES is a public service and needs no key.
	var viesOpts []vies.Option
	if cfg.VIES.BaseURL != "" {
		viesOpts = append(viesOpts, vies.WithBaseURL(cfg.VIES.BaseURL))
	}
	deps.VIES = vies.NewClient(viesOpts...)

	if cfg.INIPEC.Key != "" {
		var opts []inipec.Option
		if cfg.INIPEC.BaseURL != "" {
			opts = append(opts, inipec.WithBaseURL(cfg.INIPEC.BaseURL))
		}
		deps.INIPEC = inipec.NewClient(cfg.INIPEC.Key, opts...)
	} else {
		zap.L().Info("inipec: no api key set, pec lookup disabled")
	}

	if cfg.Oracle.Key != "" {
		deps.Oracle = oracle.New(cfg.Oracle.Key, oracle.Config{
			Model:     cfg.Oracle.Model,
			MaxTokens: cfg.Oracle.MaxTokens,
		})
	} else {
		zap.L().Info("oracle: no api key set, inference strategies disabled")
	}

	plan := waterfall.DefaultPlan()
	if cfg.Waterfall.PlanFile != "" {
		p, err := waterfall.LoadPlan(cfg.Waterfall.PlanFile)
		if err != nil {
			return nil, err
		}
		plan = p
	}

	cache := waterfall.NewCache(candidateCacheSize, candidateCacheTTL)
	exec, err := waterfall.NewExecutor(plan, strategy.All(deps), cache)
	if err != nil {
		return nil, err
	}

	return &engine{
		Orchestrator: orchestrate.New(exec, entity.NewIndex(), sink),
		Governor:     gov,
		Classifier:   cls,
	}, nil
}

// reportEngineState logs targets still cooling down or flagged hot, so
// the operator sees at shutdown which sources throttled the batch.
func reportEngineState(eng *engine) {
	for _, ts := range eng.Governor.Snapshot() {
		if ts.InCooldown {
			zap.L().Warn("target still cooling down",
				zap.String("target", ts.Target),
				zap.Duration("remaining", ts.CooldownLeft),
				zap.Duration("delay", ts.Delay),
			)
		}
	}
	if hot := eng.Classifier.HotTargets(); len(hot) > 0 {
		zap.L().Warn("targets currently blocking us", zap.Strings("targets", hot))
	}
}
