package distill

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/johncui/engram/pkg/model"
)

// HeuristicDistiller is a rule-based summarizer that needs no remote model.
type HeuristicDistiller struct {
	// MaxSnippet bounds, in characters, how much episode text becomes a fact object.
	MaxSnippet int
}

func NewHeuristic() *HeuristicDistiller { return &HeuristicDistiller{MaxSnippet: 80} }

// Summarize derives facts using naive rules:
// - If metadata contains subject/predicate/object keys, use them.
// - Otherwise, link the episode user to a snippet of its text via "notes".
// The summary text counts episodes per task.
func (h *HeuristicDistiller) Summarize(_ context.Context, tag string, episodes []model.Episode) (*model.Summary, error) {
	maxSnippet := h.MaxSnippet
	if maxSnippet <= 0 {
		maxSnippet = 80
	}

	out := &model.Summary{}
	tasks := map[string]int{}
	var order []string
	for _, ep := range episodes {
		out.Episodes = append(out.Episodes, ep.ID)
		task := defaultIfEmpty(ep.Task, "general")
		if tasks[task] == 0 {
			order = append(order, task)
		}
		tasks[task]++

		source := ep.ID
		subject, _ := ep.Metadata["subject"].(string)
		predicate, _ := ep.Metadata["predicate"].(string)
		object, _ := ep.Metadata["object"].(string)
		if subject != "" && predicate != "" && object != "" {
			out.Facts = append(out.Facts, model.Fact{
				Subject:       subject,
				Predicate:     predicate,
				Object:        object,
				Confidence:    0.9,
				SourceEpisode: &source,
			})
			continue
		}

		snippet := truncate(strings.TrimSpace(ep.Text), maxSnippet)
		if snippet == "" {
			continue
		}
		out.Facts = append(out.Facts, model.Fact{
			Subject:       defaultIfEmpty(ep.User, "user"),
			Predicate:     "notes",
			Object:        snippet,
			Confidence:    0.4,
			SourceEpisode: &source,
		})
	}

	parts := make([]string, 0, len(order))
	for _, task := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", task, tasks[task]))
	}
	out.Text = fmt.Sprintf("%s: %d episodes (%s)", tag, len(episodes), strings.Join(parts, ", "))
	return out, nil
}

// truncate cuts s to at most n runes without splitting a character.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func defaultIfEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

var _ model.Summarizer = (*HeuristicDistiller)(nil)
