package grok

import "sort"

// candidate is one eligible sso entry carrying the tier's ranking field.
type candidate struct {
	sso   string
	super bool
	field int // -1 means unused/unknown quota
}

// eligible reports whether entry can serve a request for heavy (the
// requested model requires an ssoSuper token with remaining quota).
func eligible(entry *TokenEntry, heavy bool) bool {
	if entry == nil || entry.expired() || entry.FailedCount >= 3 {
		return false
	}
	return entry.quotaField(heavy) != 0
}

// rankPool partitions a tier's map into unused (field == -1) then used
// (field > 0, descending by remaining quota).
func rankPool(pool map[string]*TokenEntry, super, heavy bool) []candidate {
	var unused, used []candidate
	for sso, entry := range pool {
		if !eligible(entry, heavy) {
			continue
		}
		field := entry.quotaField(heavy)
		c := candidate{sso: sso, super: super, field: field}
		if field == -1 {
			unused = append(unused, c)
		} else {
			used = append(used, c)
		}
	}
	sort.Slice(used, func(i, j int) bool { return used[i].field > used[j].field })
	return append(unused, used...)
}

// SelectToken implements the SPEC_FULL §4.6 ranking algorithm: for the
// requested model, rank normal.unused -> normal.used (desc) -> super.unused
// -> super.used (desc), skipping the normal tier entirely for models that
// RequiresSuper. Returns ok=false (caller raises 503) when no entry qualifies.
func SelectToken(tf *TokenFile, model Model) (sso string, super bool, ok bool) {
	heavy := model.RequiresSuper
	var order []candidate
	if !heavy {
		order = append(order, rankPool(tf.SSONormal, false, heavy)...)
	}
	order = append(order, rankPool(tf.SSOSuper, true, heavy)...)
	if len(order) == 0 {
		return "", false, false
	}
	return order[0].sso, order[0].super, true
}
