package universe

import (
	"regexp"
	"strings"
)

type expansion struct {
	re   *regexp.Regexp
	full string
}

func word(abbr, full string) expansion {
	return expansion{re: regexp.MustCompile(`\b` + abbr + `\b`), full: full}
}

// Keys are matched after punctuation removal, so "Ltd." and "ltd" are the
// same word. No expansion value is itself a key.
var expansions = []expansion{
	word("gen", "general"),
	word("intl", "international"),
	word("intnl", "international"),
	word("pvt", "private"),
	word("ltd", "limited"),
	word("corpn?", "corporation"),
	word("inc", "incorporated"),
	word("co", "company"),
	word("mfg", "manufacturing"),
	word("ind", "industries"),
	word("pharma?", "pharmaceutical"),
	word("tech", "technology"),
	word("tele?co?m", "telecommunication"),
	word("eng", "engineering"),
	word("dev", "development"),
	word("infra", "infrastructure"),
	word("auto", "automotive"),
	word("svcs?", "services"),
	word("(?:mgmt|mngt|mgt)", "management"),
	word("comm", "communications"),
	word("ins", "insurance"),
	word("fert", "fertilizers"),
	word("chem", "chemicals"),
	word("guj", "gujarat"),
	word("syst", "systems"),
}

var legalSuffixes = []string{
	"limited", "incorporated", "corporation", "company", "private", "public", "plc",
}

var reNonWord = regexp.MustCompile(`[^a-z0-9\s]+`)

// Normalize maps a free-text company name to its comparison form.
//
//	Normalize("HDFC Asset Mngt. Co")      == "hdfc asset management"
//	Normalize("Reliance Industries Ltd.") == "reliance industries"
func Normalize(raw string) string {
	s := strings.ToLower(raw)
	s = reNonWord.ReplaceAllString(s, "")
	s = collapse(s)
	if s == "" {
		return ""
	}
	for _, e := range expansions {
		s = e.re.ReplaceAllString(s, e.full)
	}
	return collapse(stripSuffixes(s))
}

func stripSuffixes(s string) string {
	for {
		trimmed := false
		for _, suf := range legalSuffixes {
			if strings.HasSuffix(s, " "+suf) {
				s = strings.TrimSpace(strings.TrimSuffix(s, suf))
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
