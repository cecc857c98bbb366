package document

import (
	"regexp"
	"strings"
)

var (
	reQuarter = regexp.MustCompile(`(?i)Quarter ended ([A-Za-z]+) (\d{4})`)
	reHalf    = regexp.MustCompile(`(?i)Half-Yearly ended ([A-Za-z]+) (\d{4})`)
	reResults = regexp.MustCompile(`(?i)([^:]*results)`)
	reLeading = regexp.MustCompile(`(?i)^(for|the)\s+`)
	reUnsafe  = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
)

// FileName derives the upload name, e.g.
// "Infosys_Ltd_consolidated_Quarter_December_2024.pdf".
func FileName(company, description string) string {
	kind := "standalone"
	if strings.Contains(strings.ToLower(description), "consolidated") {
		kind = "consolidated"
	}
	return safe(company) + "_" + kind + "_" + safe(period(description)) + ".pdf"
}

func period(desc string) string {
	if m := reQuarter.FindStringSubmatch(desc); m != nil {
		return "Quarter " + m[1] + " " + m[2]
	}
	if m := reHalf.FindStringSubmatch(desc); m != nil {
		return "Half-Yearly " + m[1] + " " + m[2]
	}
	if m := reResults.FindStringSubmatch(desc); m != nil {
		if p := reLeading.ReplaceAllString(strings.TrimSpace(m[1]), ""); p != "" {
			return p
		}
	}
	return "Results"
}

func safe(s string) string {
	s = strings.TrimSpace(reUnsafe.ReplaceAllString(s, ""))
	return strings.ReplaceAll(s, " ", "_")
}
