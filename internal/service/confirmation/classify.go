package confirmation

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/acme/order-dispatch/internal/domain"
)

type rule struct {
	kind domain.ResponseType
	// whole matches only when the reply is exactly the token
	whole []string
	// words match on word boundaries after normalization
	words *regexp.Regexp
	// symbols match anywhere in the raw text
	symbols []string
}

// Negative rules come first so that "não recebi" is never read as "recebi".
// A bare "não" only counts as the whole reply; inside a sentence it negates
// anything ("não se preocupe"), so only delivery phrases match there.
var rules = []rule{
	{
		kind:  domain.ResponseNotReceived,
		whole: []string{"n", "no", "nope", "nao"},
		words: wordPattern(
			"nao recebi", "nao recebemos", "nao chegou", "nao veio", "ainda nao",
			"nunca chegou", "nada chegou", "negativo",
			"not received", "not yet", "didn't receive", "did not receive",
			"didnt receive", "still waiting", "never arrived",
		),
		symbols: []string{"👎", "❌", "🚫"},
	},
	{
		kind:  domain.ResponseConfirmed,
		whole: []string{"s", "y", "yes", "sim"},
		words: wordPattern(
			"sim", "recebi", "recebido", "recebemos", "chegou", "ja chegou",
			"tudo certo", "confirmo", "confirmado", "certo", "ok", "okay", "blz", "beleza",
			"yes", "yep", "yeah", "received", "got it", "arrived",
		),
		symbols: []string{"👍", "✅", "👌", "✔"},
	},
}

func wordPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?:^|[^\p{L}\p{N}'])(?:` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}'])`)
}

// Classify maps a free-text reply to a response type. Anything that matches
// no rule is invalid and must be re-prompted, never guessed.
func Classify(text string) domain.ResponseType {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return domain.ResponseInvalid
	}
	folded := fold(raw)
	compact := strings.TrimFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, r := range rules {
		for _, s := range r.symbols {
			if strings.Contains(raw, s) {
				return r.kind
			}
		}
		for _, w := range r.whole {
			if compact == w {
				return r.kind
			}
		}
		if r.words.MatchString(folded) {
			return r.kind
		}
	}
	return domain.ResponseInvalid
}

// fold lower-cases s, strips diacritics and collapses whitespace.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = strings.ReplaceAll(out, "’", "'")
	return strings.Join(strings.Fields(out), " ")
}
