package orchestrator

import "strings"

// pathConfig lists candidate config-document paths per setting, ordered from
// the current optimizer schema to older fallbacks.
type pathConfig struct {
	horizon       []string
	cycleInterval []string
	cycleMode     []string
	pvProvider    []string
}

// resolvedPaths holds the path chosen for each setting against one loaded
// config document. Resolution happens once per document, not per call.
type resolvedPaths struct {
	horizon       string
	cycleInterval string
	cycleMode     string
	pvProvider    string
}

func (o *Orchestrator) configPaths() pathConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return pathConfig{
		horizon:       o.cfg.HorizonPaths,
		cycleInterval: o.cfg.CycleIntervalPaths,
		cycleMode:     o.cfg.CycleModePaths,
		pvProvider:    o.cfg.PVProviderPaths,
	}
}

// resolvePaths picks, per setting, the first candidate path present in doc.
// When none exists the first candidate is kept so writes still target the
// current schema.
func resolvePaths(doc map[string]any, pc pathConfig) resolvedPaths {
	return resolvedPaths{
		horizon:       firstExisting(doc, pc.horizon),
		cycleInterval: firstExisting(doc, pc.cycleInterval),
		cycleMode:     firstExisting(doc, pc.cycleMode),
		pvProvider:    firstExisting(doc, pc.pvProvider),
	}
}

func firstExisting(doc map[string]any, candidates []string) string {
	for _, p := range candidates {
		if _, ok := lookupPath(doc, p); ok {
			return p
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// numberAt reads a numeric value at path, tolerating the float64/int variants
// JSON decoding produces.
func numberAt(doc map[string]any, path string) (float64, bool) {
	v, ok := lookupPath(doc, path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// stringAt reads a string value at path.
func stringAt(doc map[string]any, path string) (string, bool) {
	v, ok := lookupPath(doc, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
