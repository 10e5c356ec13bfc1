// Package overview answers questions about the company from a markdown file
// of named sections.
package overview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"shipment-qna/internal/domain"
)

const (
	NotConfiguredAnswer = "Company overview information is not configured yet."
	NotConfiguredNotice = "The company overview file is missing or empty."
	defaultSection      = "company overview"
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Result struct {
	Answer   string
	Notices  []string
	Usage    domain.Usage
	Failures []*domain.Failure
}

// Responder serves overview answers. The file is re-read only when its
// modification time changes.
type Responder struct {
	path   string
	llm    Completer
	logger *slog.Logger

	mu       sync.Mutex
	modTime  time.Time
	sections []Section
}

type Section struct {
	Title string
	Body  string
}

func New(path string, llm Completer, logger *slog.Logger) (*Responder, error) {
	if llm == nil {
		return nil, errors.New("overview: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{path: strings.TrimSpace(path), llm: llm, logger: logger}, nil
}

// sectionKeywords picks a section title fragment from question words,
// checked in order.
var sectionKeywords = []struct {
	words   []string
	section string
}{
	{[]string{"social", "linkedin", "facebook", "twitter", "instagram", "youtube"}, "social"},
	{[]string{"website", "site", "url"}, "website"},
	{[]string{"office", "offices", "directory", "contact", "address", "phone", "branch"}, "office"},
	{[]string{"service", "services", "freight", "warehouse", "distribution", "customs"}, "service"},
	{[]string{"history", "founded", "established", "anniversary"}, "history"},
	{[]string{"vision", "mission", "values"}, "vision"},
	{[]string{"ceo", "leadership", "management", "message"}, "ceo"},
}

var wordRe = regexp.MustCompile(`[a-z]+`)

func (r *Responder) Answer(ctx context.Context, question string) Result {
	sections, err := r.load()
	if err != nil || len(sections) == 0 {
		if err != nil {
			r.logger.Warn("overview: file unavailable", "path", r.path, "err", err)
		}
		return Result{Answer: NotConfiguredAnswer, Notices: []string{NotConfiguredNotice}}
	}

	section := Select(sections, question)
	out, err := r.llm.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: synthesisPrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Context:\n%s\n%s\n\nQuestion: %s", section.Title, section.Body, question)},
		},
	})
	text := strings.TrimSpace(out.Content)
	if err != nil || text == "" {
		r.logger.Warn("overview: synthesis failed, returning section text", "section", section.Title, "err", err)
		return Result{
			Answer:   strings.TrimSpace(section.Title + "\n\n" + section.Body),
			Usage:    out.Usage,
			Failures: []*domain.Failure{domain.NewFailure(domain.FailureSynthesis, "overview synthesis failed", err)},
		}
	}
	return Result{Answer: text, Usage: out.Usage}
}

// Select returns the section matching the question's topic, else the company
// overview section, else the first section.
func Select(sections []Section, question string) Section {
	words := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(question), -1) {
		words[w] = struct{}{}
	}
	for _, kw := range sectionKeywords {
		for _, w := range kw.words {
			if _, ok := words[w]; !ok {
				continue
			}
			if s, ok := find(sections, kw.section); ok {
				return s
			}
		}
	}
	if s, ok := find(sections, defaultSection); ok {
		return s
	}
	return sections[0]
}

func find(sections []Section, fragment string) (Section, bool) {
	return lo.Find(sections, func(s Section) bool {
		return strings.Contains(strings.ToLower(s.Title), fragment)
	})
}

func (r *Responder) load() ([]Section, error) {
	if r.path == "" {
		return nil, errors.New("overview: no path configured")
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("overview: stat: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sections != nil && info.ModTime().Equal(r.modTime) {
		return r.sections, nil
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("overview: read: %w", err)
	}
	r.sections = Parse(string(raw))
	r.modTime = info.ModTime()
	return r.sections, nil
}

var headingRe = regexp.MustCompile(`^\s*(?:#{1,6}\s+(.+?)|\*\*(.+?)\*\*:?)\s*$`)

// Parse splits markdown into sections at "#" headings or lines that are
// entirely bold. Text before the first heading is dropped.
func Parse(text string) []Section {
	var out []Section
	var cur *Section
	var body []string
	flush := func() {
		if cur != nil {
			cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
			out = append(out, *cur)
		}
		body = body[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			title := strings.TrimSpace(m[1] + m[2])
			cur = &Section{Title: strings.TrimSuffix(title, ":")}
			continue
		}
		body = append(body, line)
	}
	flush()
	return out
}

const synthesisPrompt = `You are a helpful logistics assistant answering questions about the company.
Answer using only the provided context.
Be concise and professional, and use markdown lists where they help.
If the answer is not in the context, say you do not have that information.`
