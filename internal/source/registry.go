package source

import (
	"os"
	"strings"

	"github.com/TobiSchelling/AIRadar/internal/config"
)

// FromConfig builds the enabled fetchers in a fixed order: github, huggingface, arxiv.
func FromConfig(cfg config.Sources, deps Deps) []Fetcher {
	var fetchers []Fetcher
	if cfg.GitHub.Enabled {
		fetchers = append(fetchers, NewGitHubFetcher(cfg.GitHub, envValue(cfg.GitHub.TokenEnv), deps))
	}
	if cfg.HuggingFace.Enabled {
		fetchers = append(fetchers, NewHuggingFaceFetcher(cfg.HuggingFace, envValue(cfg.HuggingFace.TokenEnv), deps))
	}
	if cfg.Arxiv.Enabled {
		fetchers = append(fetchers, NewArxivFetcher(cfg.Arxiv, deps))
	}
	return fetchers
}

// Lookup returns the fetcher with the given name, case-insensitively.
func Lookup(fetchers []Fetcher, name string) (Fetcher, bool) {
	for _, f := range fetchers {
		if strings.EqualFold(f.Name(), name) {
			return f, true
		}
	}
	return nil, false
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
