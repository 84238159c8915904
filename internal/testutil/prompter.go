package testutil

import "sync"

// StubPrompter returns scripted password answers in order.
type StubPrompter struct {
	mu      sync.Mutex
	answers []string
	Prompts []string
}

// NewStubPrompter creates a prompter that answers with the given values
// in sequence, returning "" once they run out.
func NewStubPrompter(answers ...string) *StubPrompter {
	return &StubPrompter{answers: answers}
}

func (p *StubPrompter) ReadPassword(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Prompts = append(p.Prompts, prompt)
	if len(p.answers) == 0 {
		return "", nil
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}
