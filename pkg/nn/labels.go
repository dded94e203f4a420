package nn

import "strings"

// HazardClassSet is the set of model classes that count as the monitored
// hazard. Keyword matching against class names happens once, when the set is
// resolved, so the per-frame hot path compares integer class IDs only.
type HazardClassSet struct {
	classes map[int]bool
}

// Resolve the hazard keywords against a model's class list.
// A class matches if its name equals a keyword, or starts with a keyword
// (case-insensitive). For example the keyword "drown" matches the classes
// "drowning" and "Drowned".
func ResolveHazardClasses(modelClasses []string, keywords []string) HazardClassSet {
	set := HazardClassSet{
		classes: map[int]bool{},
	}
	for i, class := range modelClasses {
		name := strings.ToLower(class)
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if name == kw || strings.HasPrefix(name, kw) {
				set.classes[i] = true
				break
			}
		}
	}
	return set
}

func (s HazardClassSet) Contains(class int) bool {
	return s.classes[class]
}

func (s HazardClassSet) IsEmpty() bool {
	return len(s.classes) == 0
}
