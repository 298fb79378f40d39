package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/ctxrevival/internal/ranking"
	"github.com/kalambet/ctxrevival/internal/storage"
)

const (
	defaultTokenBudget    = 800
	defaultPromptExcerpt  = 200
	defaultPayloadSnippet = 400
	defaultMaxFiles       = 5
)

// Header opens every non-empty context block.
const Header = "[Revived Context] Relevant records from earlier turns in this project:\n"

// Composer renders ranked records into a token-bounded text block for
// injection ahead of the user's prompt.
type Composer struct {
	TokenBudget    int
	PromptExcerpt  int
	PayloadSnippet int
	MaxFiles       int
}

// New creates a Composer with the given default token budget.
// If tokenBudget <= 0, the default (800) is used.
func New(tokenBudget int) *Composer {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &Composer{
		TokenBudget:    tokenBudget,
		PromptExcerpt:  defaultPromptExcerpt,
		PayloadSnippet: defaultPayloadSnippet,
		MaxFiles:       defaultMaxFiles,
	}
}

// Format renders scored records best first. Blocks are added until the next
// one would push the total past tokenBudget; a block is never cut. Empty
// input, or a budget too small for the header and first block, yields "".
// A tokenBudget <= 0 uses the Composer's default.
func (c *Composer) Format(scored []ranking.Scored, tokenBudget int) string {
	if len(scored) == 0 {
		return ""
	}
	if tokenBudget <= 0 {
		tokenBudget = c.TokenBudget
	}

	sorted := make([]ranking.Scored, len(scored))
	copy(sorted, scored)
	ranking.SortScored(sorted)

	remaining := tokenBudget - EstimateTokens(Header)
	var blocks []string
	for _, s := range sorted {
		block := c.formatBlock(s)
		tokens := EstimateTokens(block)
		if tokens > remaining {
			break
		}
		blocks = append(blocks, block)
		remaining -= tokens
	}
	if len(blocks) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(Header)
	for _, b := range blocks {
		sb.WriteString(b)
	}
	return sb.String()
}

func (c *Composer) formatBlock(s ranking.Scored) string {
	r := s.Record
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n%s %s (relevance %.2f)\n",
		outcomeMarker(r.Outcome), r.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"), s.Score)
	if p := excerpt(r.Prompt, c.PromptExcerpt); p != "" {
		fmt.Fprintf(&sb, "  prompt: %s\n", p)
	}
	if len(r.Files) > 0 {
		fmt.Fprintf(&sb, "  files: %s\n", joinFiles(r.Files, c.MaxFiles))
	}
	if p := excerpt(r.Payload, c.PayloadSnippet); p != "" {
		fmt.Fprintf(&sb, "  result: %s\n", p)
	}
	return sb.String()
}

func outcomeMarker(o storage.Outcome) string {
	switch o {
	case storage.OutcomeSuccess:
		return "[success]"
	case storage.OutcomeFailure:
		return "[failure]"
	case storage.OutcomePartial:
		return "[partial]"
	default:
		return "[unknown]"
	}
}

// excerpt collapses whitespace and cuts text to at most n runes, marking the
// cut with an ellipsis.
func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

func joinFiles(files []string, max int) string {
	if max <= 0 || len(files) <= max {
		return strings.Join(files, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(files[:max], ", "), len(files)-max)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
