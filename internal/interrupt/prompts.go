package interrupt

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Prompt is one reflection question offered when an interrupt starts.
type Prompt struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
}

// DefaultPrompts is used when no prompts are configured.
var DefaultPrompts = []Prompt{
	{ID: "focus", Text: "What are you working on right now, and is it the most important thing?", Category: "focus"},
	{ID: "energy", Text: "How is your energy level? What would raise it?", Category: "energy"},
	{ID: "gratitude", Text: "Name one thing from the last two hours you are grateful for.", Category: "gratitude"},
	{ID: "distraction", Text: "What pulled your attention away since the last check-in?", Category: "focus"},
	{ID: "next", Text: "What is the single next action you will take?", Category: "action"},
	{ID: "body", Text: "Notice your posture and breathing. What do you need?", Category: "body"},
}

// PromptBook picks prompts at random. Safe for concurrent use.
type PromptBook struct {
	mu      sync.Mutex
	prompts []Prompt
	byID    map[string]Prompt
	rnd     *rand.Rand
}

// NewPromptBook skips prompts with empty text. An empty list selects DefaultPrompts.
func NewPromptBook(prompts []Prompt, seed uint64) *PromptBook {
	b := &PromptBook{byID: map[string]Prompt{}, rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	for _, p := range prompts {
		p.Text = strings.TrimSpace(p.Text)
		if p.Text == "" {
			continue
		}
		b.add(p)
	}
	if len(b.prompts) == 0 {
		for _, p := range DefaultPrompts {
			b.add(p)
		}
	}
	return b
}

func (b *PromptBook) add(p Prompt) {
	if _, dup := b.byID[p.ID]; dup {
		return
	}
	b.prompts = append(b.prompts, p)
	b.byID[p.ID] = p
}

func (b *PromptBook) Pick() Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts[b.rnd.IntN(len(b.prompts))]
}

func (b *PromptBook) Lookup(id string) (Prompt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byID[id]
	return p, ok
}

func (b *PromptBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}
