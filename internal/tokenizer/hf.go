package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// HFTokenizer is a byte-level BPE tokenizer built from a Hugging Face
// tokenizer.json document.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool

	added   map[string]int
	atomic  []string
	special map[int]bool

	mu    sync.Mutex
	cache map[string][]string
}

type hfAddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  hfPreTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Type          string `json:"type"`
		SpecialTokens map[string]struct {
			IDs []int `json:"ids"`
		} `json:"special_tokens"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []hfAddedToken `json:"added_tokens"`
}

// tokenValue accepts both `"<|im_end|>"` and `{"content": "<|im_end|>"}`.
type tokenValue string

func (v *tokenValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = tokenValue(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*v = tokenValue(obj.Content)
	return nil
}

type hfTokenizerConfig struct {
	AddBOS *bool      `json:"add_bos_token"`
	AddEOS bool       `json:"add_eos_token"`
	BOS    tokenValue `json:"bos_token"`
	EOS    tokenValue `json:"eos_token"`
}

// LoadHFTokenizerBytes parses tokenizer.json and the optional
// tokenizer_config.json.
func LoadHFTokenizerBytes(tokJSON, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("tokenizer: decode tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("tokenizer: unsupported model type %q", tj.Model.Type)
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("tokenizer: decode tokenizer_config.json: %w", err)
		}
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	added := make(map[string]int, len(tj.AddedTokens))
	special := make(map[int]bool)
	atomic := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		added[at.Content] = at.ID
		atomic = append(atomic, at.Content)
		if at.Special {
			special[at.ID] = true
		}
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		if id >= 0 {
			decoder[id] = tok
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	t := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     parseMerges(tj.Model.Merges),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      buildPattern(tj.PreTokenizer),
		addEOS:       cfg.AddEOS,
		bosID:        lookup(encoder, string(cfg.BOS)),
		eosID:        lookup(encoder, string(cfg.EOS)),
		unkID:        lookup(encoder, tj.Model.UnkToken),
		ignoreMerges: tj.Model.IgnoreMerges,
		added:        added,
		atomic:       sortLongestFirst(atomic),
		special:      special,
		cache:        make(map[string][]string),
	}
	if cfg.AddBOS != nil {
		t.addBOS = *cfg.AddBOS
	}

	// A TemplateProcessing post-processor that prepends a token means BOS is
	// added at encode time regardless of the config flag.
	if id, ok := templateBOS(tj); ok {
		t.bosID = id
		t.addBOS = true
	}
	return t, nil
}

func templateBOS(tj hfTokenizerJSON) (int, bool) {
	if tj.PostProcessor.Type == "TemplateProcessing" {
		for _, st := range tj.PostProcessor.SpecialTokens {
			if len(st.IDs) > 0 {
				return st.IDs[0], true
			}
		}
	}
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, st := range proc.SpecialTokens {
			if len(st.IDs) > 0 {
				return st.IDs[0], true
			}
		}
	}
	return -1, false
}

func lookup(encoder map[string]int, tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := encoder[tok]; ok {
		return id
	}
	return -1
}

func parseMerges(raw []any) map[Pair]int {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for _, m := range raw {
		var a, b string
		switch v := m.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Split(line, " ")
			if len(fields) != 2 {
				continue
			}
			a, b = fields[0], fields[1]
		case []any:
			if len(v) != 2 {
				continue
			}
			var ok1, ok2 bool
			a, ok1 = v[0].(string)
			b, ok2 = v[1].(string)
			if !ok1 || !ok2 {
				continue
			}
		default:
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

func buildPattern(pre hfPreTokenizer) *regexp.Regexp {
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// Go regexp has no lookahead; Llama 3 style splits (LFM2 uses one) fall
	// back to the equivalent llama.cpp expression.
	if strings.Contains(pat, `(?!\S)`) || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	}
	return re
}

// Encode tokenizes text. Added tokens (including "<image>") are matched
// verbatim and map to their single id.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.atomic) {
		if part.isSpecial {
			ids = append(ids, t.added[part.text])
			continue
		}
		for _, piece := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("tokenizer: unknown symbol %q", sym)
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

// Decode renders ids as text with special tokens suppressed.
func (t *HFTokenizer) Decode(ids []int) (string, error) {
	return t.decode(ids, true)
}

// DecodeWithSpecial renders ids as text, keeping special tokens verbatim.
func (t *HFTokenizer) DecodeWithSpecial(ids []int) (string, error) {
	return t.decode(ids, false)
}

func (t *HFTokenizer) decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("tokenizer: token id out of range: %d", id)
		}
		tok := t.decoder[id]
		if t.special[id] {
			if !skipSpecial {
				b = append(b, tok...)
			}
			continue
		}
		if _, ok := t.added[tok]; ok {
			b = append(b, tok...)
			continue
		}
		for _, r := range tok {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *HFTokenizer) BOSID() int   { return t.bosID }
func (t *HFTokenizer) EOSID() int   { return t.eosID }
func (t *HFTokenizer) AddBOS() bool { return t.addBOS }
func (t *HFTokenizer) VocabSize() int {
	return len(t.decoder)
}

// TokenString returns the raw vocabulary entry for id.
func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

// AddedTokenID looks up content in the added-tokens table only.
func (t *HFTokenizer) AddedTokenID(content string) (int, bool) {
	id, ok := t.added[content]
	return id, ok
}

// IsSpecial reports whether id is flagged special in the added-tokens table.
func (t *HFTokenizer) IsSpecial(id int) bool { return t.special[id] }

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	for len(word) > 1 {
		best, found := Pair{}, false
		bestRank := int(^uint(0) >> 1)
		for p := range getPairs(word) {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				best, bestRank, found = p, rank, true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, best)
	}
	t.cache[token] = word
	return word
}
