// Package fulltext implements the BM25 text index from spec.md §4.4:
// tokenize → lowercase → fold → stopword-filter → stem, an inverted
// index plus term-frequency and document-length tables, and a scorer.
// No example repo in the retrieval pack carries a tokenizer/stemmer or
// a BM25 scorer (confirmed by search), so this is a direct, spec-exact
// implementation on the standard library rather than an invented
// algorithm — see DESIGN.md.
package fulltext

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"go.themisdb.dev/internal/keyschema"
	"go.themisdb.dev/internal/kv"
)

// Stemmer selects the suffix-stripping pipeline applied after stopword
// filtering (spec.md §4.4: "Porter subset for en; suffix-stripping
// heuristic for de; none otherwise").
type Stemmer string

const (
	StemEnglish Stemmer = "en"
	StemGerman  Stemmer = "de"
	StemNone    Stemmer = "none"
)

// Pipeline is one index's configured tokenization pipeline.
type Pipeline struct {
	FoldUmlauts bool
	Stopwords   map[string]struct{}
	Stemmer     Stemmer
}

// DefaultEnglishPipeline is the common case: lowercase, English
// stopwords, Porter-subset stemming.
func DefaultEnglishPipeline() Pipeline {
	return Pipeline{Stopwords: englishStopwords, Stemmer: StemEnglish}
}

// Tokenize splits text on Unicode word boundaries, lowercases, folds
// umlauts if configured, drops stopwords, and stems what remains.
func (p Pipeline) Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		cur.Reset()
		tok = strings.ToLower(tok)
		if p.FoldUmlauts {
			tok = foldUmlauts(tok)
		}
		if _, stop := p.Stopwords[tok]; stop {
			return
		}
		tok = p.stem(tok)
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func (p Pipeline) stem(tok string) string {
	switch p.Stemmer {
	case StemEnglish:
		return stemEnglish(tok)
	case StemGerman:
		return stemGerman(tok)
	default:
		return tok
	}
}

func foldUmlauts(s string) string {
	replacer := strings.NewReplacer(
		"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
	)
	return replacer.Replace(s)
}

// stemEnglish applies a small subset of Porter's suffix-stripping rules:
// plurals and common verbal suffixes. Not the full Porter algorithm,
// matching spec.md's "Porter subset" wording.
func stemEnglish(tok string) string {
	if len(tok) <= 3 {
		return tok
	}
	for _, suf := range []string{"ational", "ization", "fulness", "iveness",
		"ing", "edly", "ies", "ied", "ed", "es", "ly", "s"} {
		if strings.HasSuffix(tok, suf) && len(tok)-len(suf) >= 3 {
			stem := tok[:len(tok)-len(suf)]
			// Porter step 1b: "running" -> "runn" -> "run".
			n := len(stem)
			if (suf == "ing" || suf == "ed" || suf == "edly") && stem[n-1] == stem[n-2] &&
				!strings.ContainsRune("aeioulsz", rune(stem[n-1])) {
				stem = stem[:n-1]
			}
			return stem
		}
	}
	return tok
}

// stemGerman applies a minimal suffix-stripping heuristic for common
// inflectional endings (spec.md's "suffix-stripping heuristic for de").
func stemGerman(tok string) string {
	if len(tok) <= 4 {
		return tok
	}
	for _, suf := range []string{"ungen", "ung", "lich", "isch", "heit", "keit", "en", "er", "es", "e", "n"} {
		if strings.HasSuffix(tok, suf) && len(tok)-len(suf) >= 3 {
			return tok[:len(tok)-len(suf)]
		}
	}
	return tok
}

// TermFrequencies computes the term-frequency multiset for a document's tokens.
func TermFrequencies(tokens []string) map[string]int64 {
	tf := make(map[string]int64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// IndexOps returns the KV write ops to index one document's tokens:
// presence in ftidx, frequency in fttf, and total length in ftdlen.
func IndexOps(table, col, pk string, tokens []string) []kv.WriteOp {
	tf := TermFrequencies(tokens)
	ops := make([]kv.WriteOp, 0, len(tf)*2+1)
	for tok, freq := range tf {
		ops = append(ops, kv.WriteOp{
			Family: "ftidx",
			Key:    keyschema.FulltextInverted(table, col, tok, pk),
			Value:  []byte{1},
		})
		ops = append(ops, kv.WriteOp{
			Family: "fttf",
			Key:    keyschema.FulltextTermFreq(table, col, tok, pk),
			Value:  encodeVarint(freq),
		})
	}
	ops = append(ops, kv.WriteOp{
		Family: "ftdlen",
		Key:    keyschema.FulltextDocLength(table, col, pk),
		Value:  encodeVarint(int64(len(tokens))),
	})
	return ops
}

// RemoveOps reverses IndexOps for a document being deleted or reindexed.
func RemoveOps(table, col, pk string, tokens []string) []kv.WriteOp {
	tf := TermFrequencies(tokens)
	ops := make([]kv.WriteOp, 0, len(tf)*2+1)
	for tok := range tf {
		ops = append(ops, kv.WriteOp{Family: "ftidx", Key: keyschema.FulltextInverted(table, col, tok, pk), Value: nil})
		ops = append(ops, kv.WriteOp{Family: "fttf", Key: keyschema.FulltextTermFreq(table, col, tok, pk), Value: nil})
	}
	ops = append(ops, kv.WriteOp{Family: "ftdlen", Key: keyschema.FulltextDocLength(table, col, pk), Value: nil})
	return ops
}

func encodeVarint(v int64) []byte {
	buf := make([]byte, 0, 10)
	u := uint64(v)
	for u >= 0x80 {
		buf = append(buf, byte(u)|0x80)
		u >>= 7
	}
	return append(buf, byte(u))
}

func decodeVarint(b []byte) int64 {
	var u uint64
	var shift uint
	for _, c := range b {
		u |= uint64(c&0x7F) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	return int64(u)
}

// Scored is one query result: a matching pk and its BM25 score.
type Scored struct {
	PK    string
	Score float64
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Search tokenizes the query under p, intersects candidate pks across
// every token (AND semantics, spec.md §4.4), scores each with BM25
// using N and avgdl estimated from the candidate universe, and returns
// the top-limit results ordered by score descending then pk ascending.
func Search(snap kv.SnapshotHandle, table, col string, p Pipeline, query string, limit int) ([]Scored, error) {
	tokens := p.Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	candidateSets := make([]map[string]struct{}, len(tokens))
	docFreq := make(map[string]int64, len(tokens))
	for i, tok := range tokens {
		set := map[string]struct{}{}
		prefix := keyschema.FulltextInvertedPrefix(table, col, tok)
		upper := prefixUpperBound(prefix)
		err := snap.Iterate("ftidx", prefix, upper, kv.Forward, func(item kv.KV) bool {
			pk := string(item.Key[len(prefix):])
			set[pk] = struct{}{}
			return true
		})
		if err != nil {
			return nil, err
		}
		candidateSets[i] = set
		docFreq[tok] = int64(len(set))
	}

	candidates := intersect(candidateSets)
	if len(candidates) == 0 {
		return nil, nil
	}

	var totalLen int64
	docLen := make(map[string]int64, len(candidates))
	for pk := range candidates {
		key := keyschema.FulltextDocLength(table, col, pk)
		raw, ok, err := snap.Get("ftdlen", key)
		if err != nil {
			return nil, err
		}
		var dl int64
		if ok {
			dl = decodeVarint(raw)
		}
		docLen[pk] = dl
		totalLen += dl
	}
	n := int64(len(candidates))
	avgdl := float64(totalLen) / float64(n)
	if avgdl == 0 {
		avgdl = 1
	}

	results := make([]Scored, 0, len(candidates))
	for pk := range candidates {
		var score float64
		for _, tok := range tokens {
			tfKey := keyschema.FulltextTermFreq(table, col, tok, pk)
			raw, ok, err := snap.Get("fttf", tfKey)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			tf := float64(decodeVarint(raw))
			df := docFreq[tok]
			idf := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
			dl := float64(docLen[pk])
			score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*dl/avgdl))
		}
		results = append(results, Scored{PK: pk, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PK < results[j].PK
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func intersect(sets []map[string]struct{}) map[string]struct{} {
	if len(sets) == 0 {
		return nil
	}
	smallest := sets[0]
	for _, s := range sets[1:] {
		if len(s) < len(smallest) {
			smallest = s
		}
	}
	out := make(map[string]struct{}, len(smallest))
	for pk := range smallest {
		inAll := true
		for _, s := range sets {
			if _, ok := s[pk]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out[pk] = struct{}{}
		}
	}
	return out
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

var englishStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "is": {}, "are": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "with": {}, "it": {},
	"this": {}, "that": {}, "be": {}, "as": {}, "at": {}, "by": {},
}
