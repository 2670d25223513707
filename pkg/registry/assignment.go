package registry

import "fmt"

// Resolve picks the template code for an entity. Candidates are rules whose
// entity_type matches and whose subtype either matches exactly or is the
// wildcard (empty). Precedence: subtype match beats wildcard, then higher
// priority, then smallest lexicographic target code. No match is not an
// error; ok is false.
func Resolve(rules []Rule, entityType, entitySubtype string) (templateCode string, ok bool) {
	var best *Rule
	for i := range rules {
		r := &rules[i]
		if r.EntityType != entityType {
			continue
		}
		if r.EntitySubtype != "" && r.EntitySubtype != entitySubtype {
			continue
		}
		if best == nil || betterRule(r, best, entitySubtype) {
			best = r
		}
	}
	if best == nil {
		return "", false
	}
	return best.TargetTemplateCode, true
}

// betterRule reports whether a beats b for the queried subtype.
func betterRule(a, b *Rule, entitySubtype string) bool {
	aExact := a.EntitySubtype == entitySubtype && entitySubtype != ""
	bExact := b.EntitySubtype == entitySubtype && entitySubtype != ""
	if aExact != bExact {
		return aExact
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.TargetTemplateCode < b.TargetTemplateCode
}

// ActiveRules collects the assignment rules of the latest version of every
// template code. Rules on superseded versions no longer participate in
// resolution.
func (s *Store) ActiveRules() ([]Rule, error) {
	codes, err := s.Codes()
	if err != nil {
		return nil, err
	}
	var rules []Rule
	for _, code := range codes {
		entry, err := s.Latest(code)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("active rules: code %s vanished during scan", code)
		}
		for i := range entry.Rules {
			r := &entry.Rules[i]
			rules = append(rules, Rule{
				EntityType:         r.EntityType,
				EntitySubtype:      r.EntitySubtype,
				TargetTemplateCode: r.TargetTemplateCode,
				Priority:           r.Priority,
			})
		}
	}
	return rules, nil
}

// ResolveTemplate resolves an entity against the registry's active rules.
func (s *Store) ResolveTemplate(entityType, entitySubtype string) (string, bool, error) {
	rules, err := s.ActiveRules()
	if err != nil {
		return "", false, err
	}
	code, ok := Resolve(rules, entityType, entitySubtype)
	return code, ok, nil
}
