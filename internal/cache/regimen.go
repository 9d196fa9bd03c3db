// Package cache provides the optional in-process and cross-process caches
// that sit in front of expensive-but-pure lookups: the compiled regimen a
// given classification resolves to, and narrative-formatter prose for a
// completed recommendation (spec §9 "LLM as formatter only" — caching the
// narrative never caches a clinical decision).
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/selector"
)

// regimenKey identifies a DrugSelector.Select outcome. Selection is a pure
// function of the knowledge base plus these four classified values — two
// patients with the same infection, allergy, and pregnancy state always
// resolve to the same regimen, so the result is safe to memoize per KB
// generation.
type regimenKey struct {
	infection domain.InfectionCategory
	allergy   domain.AllergySeverity
	pregnant  bool
	trimester int
}

func (k regimenKey) String() string {
	return fmt.Sprintf("%s|%s|%t|%d", k.infection, k.allergy, k.pregnant, k.trimester)
}

// RegimenCache memoizes DrugSelector.Select results in an LRU of bounded
// size. It is invalidated wholesale on every KnowledgeBase.Reload, since a
// KB swap can change which regimen a classification resolves to.
type RegimenCache struct {
	lru *lru.Cache[string, cachedRegimen]
	kb  domain.KnowledgeBase
	gen uint64
}

type cachedRegimen struct {
	regimen    *domain.Regimen
	rejections []domain.FilterRejection
	gen        uint64
}

// NewRegimenCache builds a RegimenCache with room for size entries.
func NewRegimenCache(kb domain.KnowledgeBase, size int) (*RegimenCache, error) {
	l, err := lru.New[string, cachedRegimen](size)
	if err != nil {
		return nil, fmt.Errorf("creating regimen LRU: %w", err)
	}
	return &RegimenCache{lru: l, kb: kb}, nil
}

// Invalidate bumps the cache generation, making every previously cached
// entry a miss without evicting it eagerly. Call after kb.Reload succeeds.
func (c *RegimenCache) Invalidate() {
	c.gen++
}

// Get returns the cached selection for a classification, if any and if it
// was cached under the current KB generation.
func (c *RegimenCache) Get(infection domain.InfectionCategory, allergy domain.AllergySeverity, pregnant bool, trimester int) (*domain.Regimen, []domain.FilterRejection, bool) {
	key := regimenKey{infection, allergy, pregnant, trimester}.String()
	entry, ok := c.lru.Get(key)
	if !ok || entry.gen != c.gen {
		return nil, nil, false
	}
	return entry.regimen, entry.rejections, true
}

// Put stores a selection result under the current KB generation.
func (c *RegimenCache) Put(infection domain.InfectionCategory, allergy domain.AllergySeverity, pregnant bool, trimester int, regimen *domain.Regimen, rejections []domain.FilterRejection) {
	key := regimenKey{infection, allergy, pregnant, trimester}.String()
	c.lru.Add(key, cachedRegimen{regimen: regimen, rejections: rejections, gen: c.gen})
}

// CachingSelector wraps a domain.DrugSelector with a RegimenCache, so it
// can be substituted anywhere a domain.DrugSelector is expected.
type CachingSelector struct {
	inner domain.DrugSelector
	cache *RegimenCache
}

// NewCachingSelector builds a CachingSelector.
func NewCachingSelector(inner domain.DrugSelector, cache *RegimenCache) *CachingSelector {
	return &CachingSelector{inner: inner, cache: cache}
}

// Select returns the cached regimen for this classification when present,
// otherwise runs the inner selector and caches the result.
func (s *CachingSelector) Select(kb domain.KnowledgeBase, c *domain.PatientCase, infection domain.InfectionCategory, allergy domain.AllergySeverity) (*domain.Regimen, []domain.FilterRejection, error) {
	pregnant, trimester := selector.ParsePregnancy(c.RiskFactors)
	if regimen, rejections, ok := s.cache.Get(infection, allergy, pregnant, trimester); ok {
		return regimen, rejections, nil
	}
	regimen, rejections, err := s.inner.Select(kb, c, infection, allergy)
	if err != nil {
		return nil, rejections, err
	}
	s.cache.Put(infection, allergy, pregnant, trimester, regimen, rejections)
	return regimen, rejections, nil
}

var _ domain.DrugSelector = (*CachingSelector)(nil)
