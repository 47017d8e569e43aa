package gatekeeper

import (
	"fmt"
	"regexp"
)

var negativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|thanks|thank you|ok|okay|good (morning|afternoon|evening))\b[\s!.?]*$`),
	regexp.MustCompile(`(?i)^\s*(what|who|when|where|why|how)\b[^.!]*\?\s*$`),
	regexp.MustCompile(`(?i)\b(write|fix|debug|refactor|review)\b.{0,40}\b(code|function|script|program|class|method|bug|regex|query)\b`),
	regexp.MustCompile(`(?i)\b(in|using|with) (python|javascript|typescript|golang|go|java|rust|c\+\+|c#|ruby|php|bash)\b`),
}

type family struct {
	typ      ArtifactType
	patterns []*regexp.Regexp
}

// families are in tie-break order.
var families = []family{
	{TypeImage, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(image|picture|photo|illustration|drawing|painting|logo|icon|poster|wallpaper|portrait)s?\b`),
		regexp.MustCompile(`(?i)\b(draw|paint|sketch|illustrate|render)\b`),
		regexp.MustCompile(`(?i)\b(create|make|generate|design)\b.{0,40}\b(image|picture|photo|illustration|logo|poster|icon)s?\b`),
	}},
	{TypeTable, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\btables?\b`),
		regexp.MustCompile(`(?i)\b(compare|comparing|comparison|versus|vs\.?)\b`),
		regexp.MustCompile(`(?i)\b(create|make|build|generate)\b.{0,40}\btables?\b`),
	}},
	{TypeDoc, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(document|report|essay|article|letter|memo|proposal|resume|whitepaper)s?\b`),
		regexp.MustCompile(`(?i)\b(write|draft|compose|prepare)\b.{0,40}\b(document|report|essay|article|letter|memo|proposal)s?\b`),
	}},
	{TypeSheet, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(spreadsheet|excel|csv|xlsx|google sheets?)\b`),
		regexp.MustCompile(`(?i)\b(budget|tracker|ledger|expenses?)\b`),
		regexp.MustCompile(`(?i)\b(create|make|build)\b.{0,40}\b(spreadsheet|sheet|tracker)s?\b`),
	}},
}

var softHeuristics = []struct {
	typ ArtifactType
	re  *regexp.Regexp
}{
	{TypeTable, regexp.MustCompile(`(?i)\b(columns?|rows?)\b`)},
	{TypeDoc, regexp.MustCompile(`(?i)\b(sections?|headings?|outline|chapters?)\b`)},
	{TypeSheet, regexp.MustCompile(`(?i)\b(sheets?|cells?|formulas?)\b`)},
}

const (
	confidenceStrong = 0.9
	confidenceSingle = 0.75
	confidenceSoft   = 0.65
	confidenceNone   = 0.3
)

// keywordStage is the deterministic first pass.
func keywordStage(text string) Decision {
	for _, re := range negativePatterns {
		if re.MatchString(text) {
			return Decision{Confidence: 0, Rationale: "conversational message"}
		}
	}

	best := family{}
	bestScore := 0
	for _, f := range families {
		score := 0
		for _, re := range f.patterns {
			if re.MatchString(text) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = f, score
		}
	}
	if bestScore > 0 {
		conf := confidenceSingle
		if bestScore >= 2 {
			conf = confidenceStrong
		}
		return Decision{
			Type:       best.typ,
			Confidence: conf,
			Rationale:  fmt.Sprintf("matched %d %s keyword patterns", bestScore, best.typ),
		}
	}

	for _, h := range softHeuristics {
		if h.re.MatchString(text) {
			return Decision{Type: h.typ, Confidence: confidenceSoft, Rationale: fmt.Sprintf("mentions %s structure", h.typ)}
		}
	}
	return Decision{Confidence: confidenceNone, Rationale: "no artifact keywords"}
}
