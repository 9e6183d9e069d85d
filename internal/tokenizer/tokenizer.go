package tokenizer

// Tokenizer is the surface the runtime needs from a tokenizer.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	// Decode renders ids with special tokens suppressed.
	Decode(ids []int) (string, error)
	TokenString(id int) string
}

var _ Tokenizer = (*HFTokenizer)(nil)
