package migration

import (
	"context"
	"fmt"
	"sort"

	"clinicalcore/internal/changeanalysis"
	"clinicalcore/pkg/domain"
)

// ProbeResult previews the impact of moving between two versions.
type ProbeResult struct {
	DictionaryName      string                              `json:"dictionaryName"`
	FromVersion         string                              `json:"fromVersion"`
	ToVersion           string                              `json:"toVersion"`
	Analysis            changeanalysis.Analysis             `json:"analysis"`
	InvalidatingChanges []changeanalysis.InvalidatingChange `json:"invalidatingChanges"`
	CoreFieldChanges    []string                            `json:"coreFieldChanges"`
	InvalidatedEntities []string                            `json:"invalidatedEntities"`
	CoreChangedEntities []string                            `json:"coreChangedEntities"`
}

// Probe analyzes the change between two versions without starting a
// migration. An empty from uses the active version.
func (m *Manager) Probe(ctx context.Context, from, to string) (ProbeResult, error) {
	current, err := m.deps.Dictionaries.Current()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe: %w", err)
	}
	if from == "" {
		from = current.Version
	}
	res := ProbeResult{DictionaryName: current.Name, FromVersion: from, ToVersion: to}
	res.Analysis, err = m.analyze(ctx, current.Name, from, to)
	if err != nil {
		return ProbeResult{}, err
	}
	res.InvalidatingChanges = changeanalysis.FindInvalidatingChanges(res.Analysis)
	res.CoreFieldChanges = changeanalysis.FindCoreFieldChanges(res.Analysis)
	pair := summarize(from, to, res.Analysis)
	res.InvalidatedEntities = pair.InvalidatedEntities
	res.CoreChangedEntities = pair.CoreChangedEntities
	return res, nil
}

func (m *Manager) analyze(ctx context.Context, name, from, to string) (changeanalysis.Analysis, error) {
	diffs, err := m.deps.Diffs.FetchDiff(ctx, name, from, to)
	if err != nil {
		return changeanalysis.Analysis{}, fmt.Errorf("fetch diff %s %s->%s: %w", name, from, to, err)
	}
	analysis, err := changeanalysis.Analyze(diffs)
	if err != nil {
		return changeanalysis.Analysis{}, fmt.Errorf("analyze diff %s %s->%s: %w", name, from, to, err)
	}
	return analysis, nil
}

// analysisFor returns the breaking-change summary for a version pair,
// consulting the shared cache and then the record before fetching a diff.
func (m *Manager) analysisFor(ctx context.Context, rec *domain.DictionaryMigration, from, to string) (domain.VersionPairAnalysis, error) {
	key := rec.DictionaryName + "/" + domain.VersionPairKey(from, to)
	if pair, ok := m.cache.Get(key); ok {
		if _, onRecord := rec.CachedAnalysis(from, to); !onRecord {
			rec.RememberAnalysis(pair)
		}
		return pair, nil
	}
	if pair, ok := rec.CachedAnalysis(from, to); ok {
		m.cache.Add(key, pair)
		return pair, nil
	}
	analysis, err := m.analyze(ctx, rec.DictionaryName, from, to)
	if err != nil {
		return domain.VersionPairAnalysis{}, err
	}
	pair := summarize(from, to, analysis)
	m.cache.Add(key, pair)
	rec.RememberAnalysis(pair)
	m.logger.Info("version pair analyzed", "migrationId", rec.ID, "from", from, "to", to,
		"invalidated", pair.InvalidatedEntities, "coreChanged", pair.CoreChangedEntities)
	return pair, nil
}

func summarize(from, to string, analysis changeanalysis.Analysis) domain.VersionPairAnalysis {
	return domain.VersionPairAnalysis{
		FromVersion:         from,
		ToVersion:           to,
		InvalidatedEntities: setToSorted(changeanalysis.InvalidatedEntities(changeanalysis.FindInvalidatingChanges(analysis))),
		CoreChangedEntities: setToSorted(changeanalysis.EntitiesOf(changeanalysis.FindCoreFieldChanges(analysis))),
	}
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
