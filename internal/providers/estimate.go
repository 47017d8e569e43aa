package providers

import "unicode/utf8"

const (
	estimateBaseTokens       = 4
	estimatePerMessageTokens = 4
	estimatePerImageTokens   = 170
)

// Estimate is the offline token heuristic shared by all vendors.
func Estimate(messages []Message) int {
	total := estimateBaseTokens
	for _, m := range messages {
		total += estimatePerMessageTokens
		total += (utf8.RuneCountInString(m.Content) + 3) / 4
		for _, a := range m.Attachments {
			if a.IsImage() {
				total += estimatePerImageTokens
			}
		}
	}
	return total
}
