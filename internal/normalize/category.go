package normalize

import (
	"regexp"
	"strings"

	"github.com/TobiSchelling/AIRadar/internal/database"
)

// Uncategorized is assigned when no category keyword matches.
const Uncategorized = "uncategorized"

type keywordSet struct {
	name     string
	keywords []string
	patterns []*regexp.Regexp
}

// categories is ordered; earlier entries win ties.
var categories = compileSets([]keywordSet{
	{name: "llm", keywords: []string{"language model", "transformer", "gpt", "bert", "llama", "nlp"}},
	{name: "computer_vision", keywords: []string{"vision", "image", "object detection", "segmentation", "cnn"}},
	{name: "reinforcement_learning", keywords: []string{"rl", "reinforcement", "agent", "policy", "reward"}},
	{name: "mlops", keywords: []string{"deployment", "pipeline", "monitoring", "optimization", "infrastructure"}},
	{name: "research", keywords: []string{"paper", "study", "analysis", "novel", "methodology"}},
})

var tagGroups = compileSets([]keywordSet{
	{name: "architectures", keywords: []string{"transformer", "diffusion", "mixture of experts", "graph neural network"}},
	{name: "techniques", keywords: []string{"deep learning", "neural network", "transfer learning", "fine-tuning"}},
	{name: "applications", keywords: []string{"healthcare", "finance", "robotics", "autonomous", "recommendation"}},
	{name: "frameworks", keywords: []string{"pytorch", "tensorflow", "jax", "keras", "hugging face"}},
	{name: "topics", keywords: []string{"ethics", "performance", "efficiency", "scalability", "interpretability"}},
})

// Categories returns the known category names in table order.
func Categories() []string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = c.name
	}
	return names
}

// IsCategory reports whether name is a known category or Uncategorized.
func IsCategory(name string) bool {
	if name == Uncategorized {
		return true
	}
	for _, c := range categories {
		if c.name == name {
			return true
		}
	}
	return false
}

// Categorize returns the category whose keywords match text most often.
func Categorize(text string) string {
	text = strings.ToLower(text)
	best, bestVotes := Uncategorized, 0
	for _, c := range categories {
		if votes := c.matches(text); votes > bestVotes {
			best, bestVotes = c.name, votes
		}
	}
	return best
}

// Scores returns, per category, the fraction of its keywords found in text.
func Scores(text string) map[string]float64 {
	text = strings.ToLower(text)
	scores := make(map[string]float64, len(categories))
	for _, c := range categories {
		scores[c.name] = float64(c.matches(text)) / float64(len(c.keywords))
	}
	return scores
}

// Tags unions tag-table matches in text with source topics and a lang: tag.
// The result is lower-cased, deduplicated and sorted.
func Tags(text string, topics []string, language string) []string {
	text = strings.ToLower(text)
	var tags []string
	for _, g := range tagGroups {
		for i, p := range g.patterns {
			if p.MatchString(text) {
				tags = append(tags, g.keywords[i])
			}
		}
	}
	tags = append(tags, topics...)
	if language = strings.TrimSpace(language); language != "" {
		tags = append(tags, "lang:"+language)
	}
	return database.NormalizeTags(tags)
}

func (s keywordSet) matches(text string) int {
	n := 0
	for _, p := range s.patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

func compileSets(sets []keywordSet) []keywordSet {
	for i := range sets {
		for _, kw := range sets[i].keywords {
			sets[i].patterns = append(sets[i].patterns, keywordPattern(kw))
		}
	}
	return sets
}

// keywordPattern matches kw as whole words, allowing a plural suffix and any
// run of spaces or hyphens between its words.
func keywordPattern(kw string) *regexp.Regexp {
	words := strings.FieldsFunc(kw, func(r rune) bool { return r == ' ' || r == '-' })
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`\b` + strings.Join(words, `[\s-]+`) + `(?:s|es)?\b`)
}
