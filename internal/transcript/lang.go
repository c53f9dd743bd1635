package transcript

import "strings"

// chineseVariants are tried, in order, when "zh" is preferred.
var chineseVariants = []string{"zh-Hans", "zh-Hant", "zh-CN", "zh-TW", "zh-HK", "zh"}

// Track is one caption track offered for a video.
type Track struct {
	Language string
	// Auto marks automatic speech recognition captions.
	Auto bool
	URL  string
	Name string
}

// ExpandLanguages expands the preference list so that "zh" covers its
// script and region variants. Order is kept and duplicates dropped.
func ExpandLanguages(langs []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(l string) {
		k := strings.ToLower(l)
		if l == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, l)
	}
	for _, l := range langs {
		l = strings.TrimSpace(l)
		if strings.EqualFold(l, "zh") {
			for _, v := range chineseVariants {
				add(v)
			}
			continue
		}
		add(l)
	}
	return out
}

// matchesLanguage reports whether a track code satisfies a preferred
// language: exact match, or the preferred code followed by "-".
func matchesLanguage(code, want string) bool {
	code, want = strings.ToLower(code), strings.ToLower(want)
	return code == want || strings.HasPrefix(code, want+"-")
}

// PickTrack chooses the caption track for a video. For each preferred
// language in order, a manual track beats an automatic one; failing
// that any English track is used, then whatever exists first. Manual
// tracks are preferred at every step.
func PickTrack(tracks []Track, preferred []string) (Track, bool) {
	if len(tracks) == 0 {
		return Track{}, false
	}

	find := func(match func(Track) bool) (Track, bool) {
		for _, auto := range []bool{false, true} {
			for _, t := range tracks {
				if t.Auto == auto && match(t) {
					return t, true
				}
			}
		}
		return Track{}, false
	}

	for _, want := range ExpandLanguages(preferred) {
		if t, ok := find(func(t Track) bool { return matchesLanguage(t.Language, want) }); ok {
			return t, true
		}
	}
	if t, ok := find(func(t Track) bool { return matchesLanguage(t.Language, "en") }); ok {
		return t, true
	}
	return find(func(Track) bool { return true })
}
