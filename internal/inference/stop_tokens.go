package inference

import (
	"slices"

	"github.com/samcharles93/prism/internal/tokenizer"
)

// BuildStopTokens collects the end-of-sequence ids: the resolved EOS token,
// the tokenizer's own EOS, and any ids the generation config lists.
func BuildStopTokens(special tokenizer.SpecialTokens, tokenizerEOS int, extra []int) []int {
	var stop []int
	for _, id := range append([]int{special.EOS, tokenizerEOS}, extra...) {
		if id >= 0 && !slices.Contains(stop, id) {
			stop = append(stop, id)
		}
	}
	return stop
}
